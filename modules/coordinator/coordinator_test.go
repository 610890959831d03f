package coordinator

import (
	"testing"

	"github.com/hexfeed/hexfeedd/modules/queue"
	"github.com/hexfeed/hexfeedd/modules/serverpool"
)

func TestStartOneWorkerRefusesOnceStopped(t *testing.T) {
	q := queue.New()
	pool := serverpool.New(nil, nil, nil)
	c := New(q, pool, nil, nil, nil, Config{ThreadLimit: 4})

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	if c.startOneWorker() {
		t.Fatal("expected startOneWorker to refuse to start once the coordinator is stopped")
	}
}
