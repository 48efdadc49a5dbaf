// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"fmt"
	"strings"
)

// ValidateMessage validates a Message according to domain rules.
//
// Validation rules:
//   - Content must not be blank
//   - GroupID and ChannelID must be present and free of NUL bytes
//   - Timestamp must be set
//
// AuthorID, AuthorName, Category and ID are optional.
func ValidateMessage(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", ErrMalformedInput)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return fmt.Errorf("%w: %w", ErrMalformedInput, ErrEmptyContent)
	}
	if err := ValidateKey(msg.Key()); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("%w: %w", ErrMalformedInput, ErrInvalidTimestamp)
	}
	return nil
}

// ValidateKey checks both halves of a conversation key.
// NUL is reserved as the storage key separator.
func ValidateKey(key ConversationKey) error {
	if key.GroupID == "" || strings.ContainsRune(key.GroupID, 0) {
		return fmt.Errorf("%w: %w", ErrMalformedInput, ErrMissingGroup)
	}
	if key.ChannelID == "" || strings.ContainsRune(key.ChannelID, 0) {
		return fmt.Errorf("%w: %w", ErrMalformedInput, ErrMissingChannel)
	}
	return nil
}

// ValidateQuery rejects blank query text.
func ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: %w", ErrMalformedInput, ErrEmptyQuery)
	}
	return nil
}
