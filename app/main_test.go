package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func Test_makeHostName(t *testing.T) {
	opts.Notify.HostName = "test"
	assert.Equal(t, "test", makeHostName())

	opts.Notify.HostName = ""
	exp, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, exp, makeHostName())
}

func Test_makeNotifier(t *testing.T) {
	opts.Notify.EnabledCapacity, opts.Notify.EnabledWriteFailed, opts.Notify.EnabledQuotaWarn = false, false, false
	opts.Notify.FromEmail = ""
	opts.Notify.ToEmails = []string{"test@example.com"}
	assert.Nil(t, makeNotifier())

	opts.Notify.EnabledCapacity = true
	notif := makeNotifier()
	require.NotNil(t, notif)
	assert.Equal(t, "waymark@"+makeHostName(), opts.Notify.FromEmail,
		"side effect of creating notifier with empty From "+
			"is setting the From based on hostname")
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name()) // nolint:errcheck

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_makeStores(t *testing.T) {
	tmp := t.TempDir()
	opts.DB = tmp + "/kv/waymark.db"
	opts.BlobDB = tmp + "/blobs/screenshots.db"
	opts.Quota.Limit = 1024
	opts.NoBlobs = false

	kv, blobs, err := makeStores()
	require.NoError(t, err)
	require.NotNil(t, kv)
	require.NotNil(t, blobs)
	defer kv.Close() // nolint:errcheck

	assert.FileExists(t, opts.DB)
	assert.FileExists(t, opts.BlobDB)
}

func Test_makeStoresNoBlobs(t *testing.T) {
	tmp := t.TempDir()
	opts.DB = tmp + "/waymark.db"
	opts.NoBlobs = true
	defer func() { opts.NoBlobs = false }()

	kv, blobs, err := makeStores()
	require.NoError(t, err)
	defer kv.Close() // nolint:errcheck
	require.NotNil(t, blobs)

	_, err = blobs.Save(t.Context(), "m1", "owner", []byte("img"))
	assert.Error(t, err, "disabled screenshot store rejects saves")
}
