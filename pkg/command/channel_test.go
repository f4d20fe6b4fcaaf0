// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package command

import (
	"context"
	"testing"
	"time"

	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	c := NewChannel(16)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := c.Enqueue(ctx, &Command{Type: CreateUser, Name: string(rune('a' + i))})
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		env := <-c.Dequeue()
		assert.Equal(t, string(rune('a'+i)), env.Cmd.Name)
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	c := NewChannel(1)
	ctx := context.Background()
	_, err := c.Enqueue(ctx, &Command{Type: HealthCheck})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.Enqueue(short, &Command{Type: HealthCheck})
	assert.IsType(t, errtypes.DeadlineExceeded(""), err)
}

func TestEnqueueCancelled(t *testing.T) {
	c := NewChannel(1)
	_, err := c.Enqueue(context.Background(), &Command{Type: HealthCheck})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Enqueue(ctx, &Command{Type: HealthCheck})
	assert.IsType(t, errtypes.Cancelled(""), err)
}

func TestEnqueueAfterClose(t *testing.T) {
	c := NewChannel(4)
	c.Close()
	_, err := c.Enqueue(context.Background(), &Command{Type: HealthCheck})
	assert.IsType(t, errtypes.Shutdown(""), err)
}

func TestCloseReleasesBlockedProducer(t *testing.T) {
	c := NewChannel(1)
	_, err := c.Enqueue(context.Background(), &Command{Type: HealthCheck})
	require.NoError(t, err)

	// a producer with no deadline blocks on the full queue
	errs := make(chan error, 1)
	go func() {
		_, err := c.Enqueue(context.Background(), &Command{Type: HealthCheck})
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	c.Close()
	select {
	case err := <-errs:
		assert.IsType(t, errtypes.Shutdown(""), err)
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := NewChannel(4)
	c.Close()
	c.Close()
}

func TestWaitDeliversReply(t *testing.T) {
	c := NewChannel(4)
	env, err := c.Enqueue(context.Background(), &Command{Type: CreateUser, Name: "alice"})
	require.NoError(t, err)

	go func() {
		got := <-c.Dequeue()
		got.Complete(&Result{EntityID: 7}, nil)
	}()

	res, err := env.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.EntityID)
}

func TestWaitHonoursDeadline(t *testing.T) {
	c := NewChannel(4)
	env, err := c.Enqueue(context.Background(), &Command{Type: CreateUser, Name: "alice"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = env.Wait(ctx)
	assert.IsType(t, errtypes.DeadlineExceeded(""), err)
}

func TestParseType(t *testing.T) {
	_, err := ParseType("CreateUser")
	assert.NoError(t, err)
	_, err = ParseType("FlushEverything")
	assert.IsType(t, errtypes.InvalidArgument(""), err)
}

func TestMutating(t *testing.T) {
	assert.True(t, CreateUser.Mutating())
	assert.True(t, BulkPermissionUpdate.Mutating())
	assert.False(t, EvaluatePermission.Mutating())
	assert.False(t, HealthCheck.Mutating())
}
