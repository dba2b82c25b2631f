// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package netpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

type fakeNetwork struct {
	id       string
	clones   *atomic.Int64
	released atomic.Bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{id: "master", clones: &atomic.Int64{}}
}

func (f *fakeNetwork) ID() string { return f.id }

func (f *fakeNetwork) Clone() (network.Network, error) {
	n := f.clones.Add(1)
	return &fakeNetwork{id: fmt.Sprintf("clone-%d", n), clones: f.clones}, nil
}

func (f *fakeNetwork) Release() error {
	if !f.released.CompareAndSwap(false, true) {
		return network.ErrReleased
	}
	return nil
}

func (f *fakeNetwork) ApplyContingency(*crac.Contingency) error { return nil }

func (f *fakeNetwork) ApplyElementaryAction(crac.ElementaryAction) error { return nil }

func (f *fakeNetwork) SetRangeActionSetpoint(*crac.RangeAction, float64) error { return nil }

func (f *fakeNetwork) RangeActionSetpoint(*crac.RangeAction) (float64, error) { return 0, nil }

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, 1)
	assert.Error(t, err)

	_, err = New(newFakeNetwork(), 0)
	assert.Error(t, err)

	p, err := New(newFakeNetwork(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Size())
}

func TestPool_AcquireBlocksUntilRelease(t *testing.T) {
	p, err := New(newFakeNetwork(), 1)
	require.NoError(t, err)

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Live())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	got := make(chan network.Network, 1)
	go func() {
		n, err := p.Acquire(context.Background())
		if err == nil {
			got <- n
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire should block while the only clone is in use")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, p.Release(first))

	select {
	case second := <-got:
		assert.NotEqual(t, first.ID(), second.ID())
		require.NoError(t, p.Release(second))
	case <-time.After(time.Second):
		t.Fatal("acquire did not resume after release")
	}
	assert.Equal(t, 0, p.Live())
	assert.Equal(t, int64(2), p.Acquired())
}

func TestPool_NilContext(t *testing.T) {
	p, err := New(newFakeNetwork(), 1)
	require.NoError(t, err)

	//nolint:staticcheck // nil context is the case under test
	_, err = p.Acquire(nil)
	assert.Equal(t, ErrNilContext, err)
}

func TestPool_Close(t *testing.T) {
	p, err := New(newFakeNetwork(), 2)
	require.NoError(t, err)

	clone, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Close(ctx), "close waits for live clones")

	_, err = p.Acquire(context.Background())
	assert.Equal(t, ErrPoolClosed, err)

	require.NoError(t, p.Release(clone))
	assert.NoError(t, p.Close(context.Background()))
}

func TestPool_RunGenerationBoundsConcurrency(t *testing.T) {
	p, err := New(newFakeNetwork(), 2)
	require.NoError(t, err)

	var running, peak atomic.Int64
	var mu sync.Mutex
	seen := make(map[string]bool)

	errs, err := p.RunGeneration(context.Background(), 8, time.Minute,
		func(_ context.Context, i int, net network.Network) error {
			now := running.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			mu.Lock()
			seen[net.ID()] = true
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			if i == 3 {
				return errors.New("leaf failed")
			}
			return nil
		})
	require.NoError(t, err)
	require.Len(t, errs, 8)

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Len(t, seen, 8, "every task gets its own clone")
	assert.Error(t, errs[3])
	for i, e := range errs {
		if i != 3 {
			assert.NoError(t, e)
		}
	}
	assert.Equal(t, 0, p.Live())
}

func TestPool_RunGenerationTimeout(t *testing.T) {
	p, err := New(newFakeNetwork(), 1)
	require.NoError(t, err)

	unblock := make(chan struct{})
	_, err = p.RunGeneration(context.Background(), 2, 20*time.Millisecond,
		func(context.Context, int, network.Network) error {
			<-unblock
			return nil
		})
	assert.True(t, errors.Is(err, ErrGenerationTimeout))

	close(unblock)
	assert.NoError(t, p.Close(context.Background()))
}
