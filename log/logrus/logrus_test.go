package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casstack"
)

func TestFieldsAndErrorKey(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base)

	boom := errors.New("boom")
	l.Warn("commit failed", casstack.Fields{"key": "k", "err": boom})

	e := hook.LastEntry()
	require.NotNil(t, e)
	assert.Equal(t, logrus.WarnLevel, e.Level)
	assert.Equal(t, "casstack", e.Data["component"])
	assert.Equal(t, "k", e.Data["key"])
	assert.Equal(t, boom, e.Data[logrus.ErrorKey])
}

func TestNoFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	New(base).Info("hello", nil)
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "hello", hook.LastEntry().Message)
}
