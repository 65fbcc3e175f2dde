package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewContextID returns an id of the form ctx_<uuid-hex>.
func NewContextID() string {
	return "ctx_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewMessageID returns an id of the form msg_<short>_<unix>.
func NewMessageID() string {
	short := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("msg_%s_%d", short, time.Now().Unix())
}

// NewBanID returns an id of the form ban_<uuid-hex>.
func NewBanID() string {
	return "ban_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
