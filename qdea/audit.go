// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package qdea

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"golang.org/x/crypto/blake2b"
)

const (
	// repetitionCutoff is the NIST SP 800-90B 4.4.1 cutoff for 8 bit
	// samples at a false positive rate of 2^-40.
	repetitionCutoff = 6

	// adaptiveWindow and adaptiveCutoff parameterise the NIST SP 800-90B
	// 4.4.2 adaptive proportion test for 8 bit samples.
	adaptiveWindow = 512
	adaptiveCutoff = 20

	// monobitSigmas is how far the number of set bits may stray from
	// half, in standard deviations.
	monobitSigmas = 7.0

	// maxPeriod is the longest repeating pattern that is searched for.
	maxPeriod = 16

	// replayBlock is the size of the leading block that is remembered
	// for duplicate detection. A replayed share, whole or tiled, repeats
	// its leading block.
	replayBlock = 32

	filterSizeLn2  = 20
	filterFalsePos = 1e-9
)

var (
	errShareLength = errors.New("qdea: share has the wrong length")
	errDuplicate   = errors.New("qdea: duplicate share")
	errRepetition  = errors.New("qdea: repetition count test failed")
	errProportion  = errors.New("qdea: adaptive proportion test failed")
	errMonobit     = errors.New("qdea: monobit test failed")
	errPeriodic    = errors.New("qdea: share is periodic")
)

// auditor checks shares before they are mixed. It is not safe for
// concurrent use.
type auditor struct {
	filter *bloom.Filter
}

func newAuditor() (*auditor, error) {
	f, err := bloom.New(rand.Reader, filterSizeLn2, filterFalsePos)
	if err != nil {
		return nil, err
	}
	return &auditor{filter: f}, nil
}

// audit returns nil iff the share may be mixed into the output.
func (a *auditor) audit(share []byte, n int) error {
	if len(share) != n {
		return fmt.Errorf("%w: got %d, want %d", errShareLength, len(share), n)
	}
	if err := repetitionCount(share); err != nil {
		return err
	}
	if err := adaptiveProportion(share); err != nil {
		return err
	}
	if err := monobit(share); err != nil {
		return err
	}
	if err := periodic(share); err != nil {
		return err
	}
	return a.checkDuplicate(share)
}

func (a *auditor) checkDuplicate(share []byte) error {
	if a.filter.Entries() >= a.filter.MaxEntries() {
		f, err := bloom.New(rand.Reader, filterSizeLn2, filterFalsePos)
		if err != nil {
			return err
		}
		a.filter = f
	}
	digest := blake2b.Sum256(share[:min(replayBlock, len(share))])
	if a.filter.TestAndSet(digest[:]) {
		return errDuplicate
	}
	return nil
}

func repetitionCount(b []byte) error {
	run := 1
	for i := 1; i < len(b); i++ {
		if b[i] != b[i-1] {
			run = 1
			continue
		}
		run++
		if run >= repetitionCutoff {
			return fmt.Errorf("%w: %d repeats at offset %d", errRepetition, run, i)
		}
	}
	return nil
}

func adaptiveProportion(b []byte) error {
	for start := 0; start < len(b); start += adaptiveWindow {
		end := min(start+adaptiveWindow, len(b))
		sample := b[start]
		count := 0
		for _, v := range b[start:end] {
			if v == sample {
				count++
			}
		}
		if count >= adaptiveCutoff {
			return fmt.Errorf("%w: %d of %d at offset %d", errProportion, count, end-start, start)
		}
	}
	return nil
}

func monobit(b []byte) error {
	ones := 0
	for _, v := range b {
		ones += bits.OnesCount8(v)
	}
	total := float64(len(b) * 8)
	sigma := math.Sqrt(total) / 2
	if math.Abs(float64(ones)-total/2) > monobitSigmas*sigma {
		return fmt.Errorf("%w: %d of %v bits set", errMonobit, ones, total)
	}
	return nil
}

func periodic(b []byte) error {
	for p := 1; p <= maxPeriod && 2*p <= len(b); p++ {
		match := true
		for i := p; i < len(b); i++ {
			if b[i] != b[i-p] {
				match = false
				break
			}
		}
		if match {
			return fmt.Errorf("%w: period %d", errPeriodic, p)
		}
	}
	return nil
}
