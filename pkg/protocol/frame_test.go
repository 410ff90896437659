package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		body    []byte
	}{
		{"empty body", Heartbeat, nil},
		{"small body", ChatMessage, []byte(`{"content":"hi"}`)},
		{"auth request", AuthRequest, []byte(`{"token":"t","client_device_id":"d"}`)},
		{"max body", SystemNotification, bytes.Repeat([]byte{0xAB}, MaxBodySize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeFrame(tt.msgType, tt.body)
			require.NoError(t, err)
			require.Len(t, frame, HeaderSize+len(tt.body))

			h, err := DecodeHeader(frame)
			require.NoError(t, err)
			assert.NoError(t, h.Validate())
			assert.Equal(t, Magic, h.Magic)
			assert.Equal(t, Version, h.Version)
			assert.Equal(t, tt.msgType, h.Type)
			assert.Equal(t, uint32(len(tt.body)), h.Length)
			assert.Equal(t, tt.body, append([]byte(nil), frame[HeaderSize:]...)[:len(tt.body)])
		})
	}
}

func TestEncodeFrameRejectsOversizeBody(t *testing.T) {
	_, err := EncodeFrame(ChatMessage, make([]byte, MaxBodySize+1))
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestHeaderValidate(t *testing.T) {
	valid := Header{Magic: Magic, Version: Version, Length: 128}

	tests := []struct {
		name    string
		mutate  func(*Header)
		wantErr error
	}{
		{"valid", func(h *Header) {}, nil},
		{"bad magic", func(h *Header) { h.Magic ^= 1 }, ErrBadMagic},
		{"bad version", func(h *Header) { h.Version = 2 }, ErrBadVersion},
		{"oversize", func(h *Header) { h.Length = MaxBodySize + 1 }, ErrBodyTooLarge},
		{"max length ok", func(h *Header) { h.Length = MaxBodySize }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := valid
			tt.mutate(&h)
			err := h.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestMagicBitFlipsRejected(t *testing.T) {
	frame, err := EncodeFrame(Heartbeat, []byte("{}"))
	require.NoError(t, err)

	for bit := 0; bit < 32; bit++ {
		corrupted := append([]byte(nil), frame...)
		word := binary.LittleEndian.Uint32(corrupted[0:4])
		binary.LittleEndian.PutUint32(corrupted[0:4], word^(1<<bit))

		h, err := DecodeHeader(corrupted)
		require.NoError(t, err)
		assert.ErrorIs(t, h.Validate(), ErrBadMagic, "bit %d", bit)
	}
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "AUTH_REQUEST", AuthRequest.String())
	assert.Equal(t, "ERROR_MESSAGE", ErrorMessage.String())
	assert.Equal(t, "UNKNOWN(99)", MessageType(99).String())
}
