package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArchiveKey(t *testing.T) {
	assert.Equal(t, "archives/t1/p1.json", ArchiveKey("t1", "p1"))
	assert.Equal(t, "archives/evil/p1.json", ArchiveKey("../../evil", "p1"))
}

func TestPresignExpireDefault(t *testing.T) {
	s := &S3{cfg: S3Config{}}
	assert.Equal(t, 15*time.Minute, s.PresignExpire())
	s.cfg.PresignExpireMinutes = 5
	assert.Equal(t, 5*time.Minute, s.PresignExpire())
}
