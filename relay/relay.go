// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay defines the chat relay that carries encrypted messages
// between users, and an in-process implementation of it.
package relay

import (
	"context"
	"errors"
)

var (
	// ErrRelayClosed is the error returned once a relay has been halted.
	ErrRelayClosed = errors.New("relay: closed")

	// ErrInvalidThread is the error returned for an empty thread id.
	ErrInvalidThread = errors.New("relay: invalid thread id")
)

// Message is a message as delivered by a relay.
type Message struct {
	// ID is the relay assigned message id.
	ID string

	// Index is the position of the message in its thread.
	Index uint64

	ThreadID string
	SenderID string
	Payload  []byte
}

// Relay is a store and forward service for thread scoped messages.
type Relay interface {
	// Publish appends payload to threadID and returns the message id.
	Publish(ctx context.Context, threadID, senderID string, payload []byte) (string, error)

	// Subscribe returns a Subscription yielding the messages of threadID
	// in arrival order, starting at fromIndex.
	Subscribe(ctx context.Context, threadID string, fromIndex uint64) (*Subscription, error)
}

// fetcher returns the message at index of a thread, blocking until it
// has arrived.
type fetcher interface {
	fetch(ctx context.Context, threadID string, index uint64) (*Message, error)
}

// Subscription is a resumable cursor over a thread. It is not safe for
// concurrent use.
type Subscription struct {
	src      fetcher
	threadID string
	next     uint64
}

// Next blocks until the next message of the thread arrives or ctx is
// done.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	m, err := s.src.fetch(ctx, s.threadID, s.next)
	if err != nil {
		return nil, err
	}
	s.next++
	return m, nil
}

// Cursor returns the index of the next message. Passing it to Subscribe
// resumes the subscription.
func (s *Subscription) Cursor() uint64 {
	return s.next
}

// ThreadID returns the thread the subscription follows.
func (s *Subscription) ThreadID() string {
	return s.threadID
}
