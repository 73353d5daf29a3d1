package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/meridiandata/governor/governor"
	"github.com/meridiandata/governor/quota"
	"github.com/meridiandata/governor/retention"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerShutdown(t *testing.T) {
	assert := assert.New(t)

	ledger := quota.NewMemLedger(quota.NewPolicySet(nil))
	gov, err := governor.New(ledger, nil, nil)
	require.NoError(t, err)
	sched, err := retention.NewScheduler(nil, ledger, gov.Cache, nil)
	require.NoError(t, err)

	srv := NewServer(gov, ledger, sched, slog.Default())

	errc := make(chan error, 1)
	go func() {
		errc <- srv.RunAPI("127.0.0.1:0")
	}()

	require.Eventually(t, func() bool {
		return srv.echo != nil && srv.echo.ListenerAddr() != nil
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errc:
		assert.NoError(err, "a clean shutdown is not a serve failure")
	case <-time.After(time.Second):
		t.Fatal("serve loop did not return after shutdown")
	}
}
