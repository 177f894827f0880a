package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-delivery/internal/model"
)

type nopSink struct{ name string }

func (nopSink) Emit(model.Event) error { return nil }

func TestRegister_LaterRegistrationWins(t *testing.T) {
	req := require.New(t)
	r := New()

	first := &nopSink{name: "c1"}
	second := &nopSink{name: "c2"}
	r.Register("alice", "c1", first)
	r.Register("alice", "c2", second)

	sink, ok := r.LookupByUser("alice")
	req.True(ok)
	req.Same(second, sink)

	user, ok := r.LookupUser("c1")
	req.True(ok)
	req.Equal("alice", user)
	req.Equal(1, r.Len())
}

func TestRemove_StaleConnectionKeepsNewerBinding(t *testing.T) {
	req := require.New(t)
	r := New()

	r.Register("alice", "c1", &nopSink{})
	r.Register("alice", "c2", &nopSink{})
	r.Remove("c1")

	_, ok := r.LookupByUser("alice")
	req.True(ok)
	_, ok = r.LookupUser("c1")
	req.False(ok)

	r.Remove("c2")
	_, ok = r.LookupByUser("alice")
	req.False(ok)
	req.Equal(0, r.Len())
}

func TestRemove_UnknownConnectionIsNoop(t *testing.T) {
	req := require.New(t)
	r := New()
	r.Register("alice", "c1", &nopSink{})

	r.Remove("nope")
	req.Equal(1, r.Len())
}

func TestRegister_RebindingConnectionDropsPreviousUser(t *testing.T) {
	req := require.New(t)
	r := New()

	r.Register("alice", "c1", &nopSink{})
	r.Register("bob", "c1", &nopSink{})

	_, ok := r.LookupByUser("alice")
	req.False(ok)
	user, _ := r.LookupUser("c1")
	req.Equal("bob", user)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	req := require.New(t)
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i%10)
			conn := fmt.Sprintf("conn-%d", i)
			r.Register(user, conn, &nopSink{})
			r.LookupByUser(user)
			if i%2 == 0 {
				r.Remove(conn)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		conn := fmt.Sprintf("conn-%d", i)
		_, ok := r.LookupUser(conn)
		req.Equal(i%2 != 0, ok)
	}
}
