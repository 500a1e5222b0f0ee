package common

import (
	"github.com/google/uuid"
)

// NewBatchID generates a unique batch ID with the "batch_" prefix
// Format: batch_<uuid>
func NewBatchID() string {
	return "batch_" + uuid.New().String()
}

// NewSubscriptionID generates a unique event subscription ID
func NewSubscriptionID() string {
	return "sub_" + uuid.New().String()
}
