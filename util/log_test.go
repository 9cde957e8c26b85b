package util

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nbcontext "github.com/sshfleet/sshfleet/fleet/server/context"
	"github.com/sshfleet/sshfleet/formatter"
)

func TestCustomFormatter_Format(t *testing.T) {
	f := &CustomFormatter{inner: formatter.NewTextFormatter()}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	ctx := context.WithValue(context.Background(), SourceKey, FailoverSource)
	ctx = context.WithValue(ctx, nbcontext.JobIDKey, "6f1c")
	ctx = context.WithValue(ctx, nbcontext.ServerIPKey, "10.0.0.1")

	out, err := f.Format(&log.Entry{Context: ctx, Time: at, Level: log.InfoLevel, Message: "bought server", Data: log.Fields{}})
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T10:00:00Z INFO [FAILOVER] job=6f1c server=10.0.0.1: bought server\n", string(out))

	ctx = context.WithValue(context.Background(), SourceKey, SyncSource)
	ctx = context.WithValue(ctx, nbcontext.UsernameKey, "user_100001")
	out, err = f.Format(&log.Entry{Context: ctx, Time: at, Level: log.InfoLevel, Message: "recreated", Data: log.Fields{}})
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T10:00:00Z INFO [SYNC] username=user_100001: recreated\n", string(out))

	out, err = f.Format(&log.Entry{Context: context.Background(), Time: at, Level: log.InfoLevel, Message: "plain", Data: log.Fields{}})
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T10:00:00Z INFO: plain\n", string(out))
}
