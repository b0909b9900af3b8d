package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	conversationIDPrefix = "conv_"
	executionIDPrefix    = "exec_"
	runIDPrefix          = "run_"
	messageIDPrefix      = "msg_"
)

var (
	executionIDPattern = regexp.MustCompile(`^exec_[a-zA-Z0-9]{24}$`)
	runIDPattern       = regexp.MustCompile(`^run_[a-zA-Z0-9]{24}$`)
	messageIDPattern   = regexp.MustCompile(`^msg_[a-zA-Z0-9]{24}$`)
)

// NewConversationID generates a new conversation ID with the "conv_"
// prefix followed by a random UUID.
func NewConversationID() string {
	return conversationIDPrefix + uuid.NewString()
}

// NewExecutionID generates a new execution ID with the "exec_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewExecutionID() string {
	return executionIDPrefix + randomAlphanumeric(idLength)
}

// NewRunID generates a new pipeline run ID with the "run_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewRunID() string {
	return runIDPrefix + randomAlphanumeric(idLength)
}

// NewMessageID generates a new message ID with the "msg_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewMessageID() string {
	return messageIDPrefix + randomAlphanumeric(idLength)
}

// ValidateConversationID checks whether the given string is a valid
// conversation ID ("conv_" followed by a UUID).
func ValidateConversationID(id string) bool {
	rest, ok := strings.CutPrefix(id, conversationIDPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// ValidateExecutionID checks whether the given string is a valid execution
// ID (matches "exec_" + 24 alphanumeric characters).
func ValidateExecutionID(id string) bool {
	return executionIDPattern.MatchString(id)
}

// ValidateRunID checks whether the given string is a valid run ID
// (matches "run_" + 24 alphanumeric characters).
func ValidateRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// ValidateMessageID checks whether the given string is a valid message ID
// (matches "msg_" + 24 alphanumeric characters).
func ValidateMessageID(id string) bool {
	return messageIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
