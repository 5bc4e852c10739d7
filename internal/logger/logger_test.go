package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNew_Level(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, New("debug").GetLevel())
	assert.Equal(t, logrus.WarnLevel, New("WARN").GetLevel())
	assert.Equal(t, logrus.InfoLevel, New("nonsense").GetLevel())
}

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "****", KeyPrefix("short"))
	assert.Equal(t, "sk_live_****", KeyPrefix("sk_live_0123456789"))
}
