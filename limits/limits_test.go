package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/nacl/box"
)

func TestEncryptionOverheadMatchesNaCl(t *testing.T) {
	assert.Equal(t, box.Overhead, EncryptionOverhead)
}

func TestMaxMessageLen(t *testing.T) {
	assert.Equal(t, 64, MessageHeaderLen)
	assert.Equal(t, 8192-16-4-64-24, MaxMessageLen)
}

func TestValidateEnvelopeBody(t *testing.T) {
	tests := []struct {
		name     string
		metadata int
		box      int
		wantErr  error
	}{
		{"fits", 60, 1000, nil},
		{"exactly at limit", 0, MaxMessageLen, nil},
		{"one over limit", 1, MaxMessageLen, ErrMessageTooLarge},
		{"empty box", 10, 0, ErrMessageEmpty},
		{"metadata too large", MaxMetadataLen + 1, 1, ErrMessageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvelopeBody(tt.metadata, tt.box)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFrame(t *testing.T) {
	assert.Error(t, ValidateFrame([]byte{1, 2, 3}))
	assert.NoError(t, ValidateFrame(make([]byte, 4)))
	assert.NoError(t, ValidateFrame(make([]byte, MaxPacketLen)))
	assert.ErrorIs(t, ValidateFrame(make([]byte, MaxPacketLen+1)), ErrMessageTooLarge)
}

func TestValidateMessageSize(t *testing.T) {
	assert.ErrorIs(t, ValidateMessageSize(nil, 10), ErrMessageEmpty)
	assert.ErrorIs(t, ValidateMessageSize(make([]byte, 11), 10), ErrMessageTooLarge)
	assert.NoError(t, ValidateMessageSize(make([]byte, 10), 10))
}
