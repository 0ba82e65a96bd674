package stop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelResultCleanShutdown(t *testing.T) {
	c := make(Channel)
	var r Result = c.Result()

	go c.Done()
	require.Empty(t, r.Wait())
}

func TestChannelResultCarriesErrors(t *testing.T) {
	c := make(Channel)
	var r Result = c.Result()

	failure := errors.New("did not shut down cleanly")
	go c.Done(failure)

	errs := r.Wait()
	require.Len(t, errs, 1)
	require.Equal(t, failure, errs[0])
}

func TestAlreadyStopped(t *testing.T) {
	require.Empty(t, AlreadyStoppedFunc().Wait())
}

func TestGroupCollectsErrors(t *testing.T) {
	g := NewGroup()

	g.AddFunc(AlreadyStoppedFunc)

	failure := errors.New("stopper failed")
	g.AddFunc(func() Result {
		c := make(Channel)
		go c.Done(failure)
		return c.Result()
	})

	errs := g.Stop().Wait()
	require.Len(t, errs, 1)
	require.Equal(t, failure, errs[0])
}
