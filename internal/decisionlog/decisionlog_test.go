package decisionlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divortio/wafu/internal/sinks"
)

type counter struct{ n int }

func (c *counter) Inc() { c.n++ }

func TestLoggerDeliversToSink(t *testing.T) {
	mem := sinks.NewMemory()
	l := New(mem, 10, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Log(Event{ID: "1", Action: "BLOCK"})
	require.Eventually(t, func() bool { return len(mem.Records()) == 1 }, time.Second, time.Millisecond)
	l.Close()
}

func TestLoggerDropsOldestOnOverflow(t *testing.T) {
	c := &counter{}
	l := New(sinks.NewMemory(), 2, c, nil)

	l.Log(Event{ID: "1"})
	l.Log(Event{ID: "2"})
	l.Log(Event{ID: "3"})

	assert.Equal(t, 1, c.n)
	assert.Len(t, l.buffer, 2)
	assert.Equal(t, "2", l.buffer[0].ID)
	assert.Equal(t, "3", l.buffer[1].ID)
}
