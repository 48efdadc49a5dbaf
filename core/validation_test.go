package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestValidateMessage(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		msg     *Message
		wantErr error
	}{
		{
			name:    "valid message",
			msg:     &Message{GroupID: "g", ChannelID: "c", AuthorID: "u", Content: "hello", Timestamp: now},
			wantErr: nil,
		},
		{
			name:    "nil message",
			msg:     nil,
			wantErr: ErrMalformedInput,
		},
		{
			name:    "empty content",
			msg:     &Message{GroupID: "g", ChannelID: "c", Content: "", Timestamp: now},
			wantErr: ErrEmptyContent,
		},
		{
			name:    "blank content",
			msg:     &Message{GroupID: "g", ChannelID: "c", Content: "  \n\t", Timestamp: now},
			wantErr: ErrEmptyContent,
		},
		{
			name:    "missing group",
			msg:     &Message{ChannelID: "c", Content: "hi", Timestamp: now},
			wantErr: ErrMissingGroup,
		},
		{
			name:    "missing channel",
			msg:     &Message{GroupID: "g", Content: "hi", Timestamp: now},
			wantErr: ErrMissingChannel,
		},
		{
			name:    "NUL in group",
			msg:     &Message{GroupID: "g\x00x", ChannelID: "c", Content: "hi", Timestamp: now},
			wantErr: ErrMissingGroup,
		},
		{
			name:    "zero timestamp",
			msg:     &Message{GroupID: "g", ChannelID: "c", Content: "hi"},
			wantErr: ErrInvalidTimestamp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.msg)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateMessage() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateMessage() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrMalformedInput) {
				t.Errorf("ValidateMessage() error = %v should wrap ErrMalformedInput", err)
			}
		})
	}
}

func TestValidateQuery(t *testing.T) {
	if err := ValidateQuery("where is the meetup"); err != nil {
		t.Errorf("ValidateQuery() unexpected error = %v", err)
	}
	for _, q := range []string{"", "   "} {
		err := ValidateQuery(q)
		if !errors.Is(err, ErrEmptyQuery) || !errors.Is(err, ErrMalformedInput) {
			t.Errorf("ValidateQuery(%q) error = %v, want ErrEmptyQuery", q, err)
		}
	}
}

func TestUpstreamError_Is(t *testing.T) {
	cause := errors.New("deadline")
	tests := []struct {
		kind          UpstreamKind
		wantTransient bool
		wantMalformed bool
	}{
		{UpstreamTimeout, true, false},
		{UpstreamRateLimited, true, false},
		{UpstreamUnavailable, true, false},
		{UpstreamMalformed, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := error(&UpstreamError{Op: "embed", Kind: tt.kind, Err: cause})
			if got := errors.Is(err, ErrTransientUpstream); got != tt.wantTransient {
				t.Errorf("errors.Is(ErrTransientUpstream) = %v, want %v", got, tt.wantTransient)
			}
			if got := errors.Is(err, ErrMalformedInput); got != tt.wantMalformed {
				t.Errorf("errors.Is(ErrMalformedInput) = %v, want %v", got, tt.wantMalformed)
			}
			if !errors.Is(err, cause) {
				t.Error("UpstreamError should unwrap to its cause")
			}
			if got := IsRetryable(err); got != tt.wantTransient {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantTransient)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
	if IsRetryable(ErrDuplicateWrite) {
		t.Error("duplicate write should not be retryable")
	}
	if IsRetryable(ValidateQuery("")) {
		t.Error("malformed input should not be retryable")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("unclassified errors should be retryable")
	}
}

func TestRetryAfter(t *testing.T) {
	if _, ok := RetryAfter(errors.New("plain")); ok {
		t.Error("plain errors carry no wait")
	}
	if _, ok := RetryAfter(&UpstreamError{Op: "embed", Kind: UpstreamTimeout, Err: errors.New("slow")}); ok {
		t.Error("zero RetryAfter should not be reported")
	}

	err := fmt.Errorf("wrapped: %w", &UpstreamError{Op: "embed", Kind: UpstreamUnavailable, Err: errors.New("open"), RetryAfter: 2 * time.Second})
	d, ok := RetryAfter(err)
	if !ok || d != 2*time.Second {
		t.Errorf("RetryAfter() = %v, %v; want 2s, true", d, ok)
	}
}
