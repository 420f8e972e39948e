// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"encoding/hex"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/entropic/core/log"
	"github.com/katzenpost/entropic/core/worker"
)

const messageIDSize = 16

type thread struct {
	sync.Mutex

	messages []*Message

	// arrived is closed and replaced on every append.
	arrived chan struct{}
}

func newThread() *thread {
	return &thread{arrived: make(chan struct{})}
}

func (t *thread) append(m *Message) {
	t.Lock()
	defer t.Unlock()

	m.Index = uint64(len(t.messages))
	t.messages = append(t.messages, m)
	close(t.arrived)
	t.arrived = make(chan struct{})
}

func (t *thread) at(index uint64) (*Message, <-chan struct{}) {
	t.Lock()
	defer t.Unlock()

	if index < uint64(len(t.messages)) {
		return t.messages[index], nil
	}
	return nil, t.arrived
}

// MemRelay is an in-process Relay. Threads exist from their first use and
// keep every message until the relay is halted.
type MemRelay struct {
	worker.Worker

	threads *sync.Map
	log     *logging.Logger
}

// NewMemRelay returns an empty MemRelay.
func NewMemRelay(logBackend *log.Backend) *MemRelay {
	return &MemRelay{
		threads: new(sync.Map),
		log:     logBackend.GetLogger("relay"),
	}
}

func (r *MemRelay) thread(threadID string) *thread {
	t, _ := r.threads.LoadOrStore(threadID, newThread())
	return t.(*thread)
}

func (r *MemRelay) closed() bool {
	select {
	case <-r.HaltCh():
		return true
	default:
		return false
	}
}

// Publish implements Relay.
func (r *MemRelay) Publish(ctx context.Context, threadID, senderID string, payload []byte) (string, error) {
	if threadID == "" {
		return "", ErrInvalidThread
	}
	if r.closed() {
		return "", ErrRelayClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var id [messageIDSize]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return "", err
	}
	m := &Message{
		ID:       hex.EncodeToString(id[:]),
		ThreadID: threadID,
		SenderID: senderID,
		Payload:  append([]byte(nil), payload...),
	}
	r.thread(threadID).append(m)
	r.log.Debugf("%s published %s to thread %s at %d", senderID, m.ID, threadID, m.Index)
	return m.ID, nil
}

// Subscribe implements Relay.
func (r *MemRelay) Subscribe(ctx context.Context, threadID string, fromIndex uint64) (*Subscription, error) {
	if threadID == "" {
		return nil, ErrInvalidThread
	}
	if r.closed() {
		return nil, ErrRelayClosed
	}
	return &Subscription{
		src:      r,
		threadID: threadID,
		next:     fromIndex,
	}, nil
}

func (r *MemRelay) fetch(ctx context.Context, threadID string, index uint64) (*Message, error) {
	t := r.thread(threadID)
	for {
		m, arrived := t.at(index)
		if m != nil {
			c := *m
			c.Payload = append([]byte(nil), m.Payload...)
			return &c, nil
		}
		select {
		case <-arrived:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.HaltCh():
			return nil, ErrRelayClosed
		}
	}
}

// Len returns the number of messages published to threadID.
func (r *MemRelay) Len(threadID string) int {
	t, ok := r.threads.Load(threadID)
	if !ok {
		return 0
	}
	th := t.(*thread)
	th.Lock()
	defer th.Unlock()
	return len(th.messages)
}
