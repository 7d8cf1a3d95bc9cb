package codec

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wiremux/wiremux/pkg/wmp/codec/operation"
)

func TestNextID(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	fr := NewFramer(nil, nil, nil)

	firstID := fr.NextID()
	secondID := fr.NextID()

	re.Equal(uint32(1), firstID)
	re.Equal(uint32(2), secondID)
}

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    Frame
		wantErr bool
		errMsg  string
	}{
		{
			name: "normal case",
			input: []byte{
				0x00, 0x00, 0x00, 0x10, // frame length
				0x2A,       // magic code
				0x10, 0x01, // op code
				0x03,                   // flag
				0x01, 0x02, 0x03, 0x04, // stream ID
				0x05, 0x06, 0x07, 0x08, // payload data
				0x53, 0x8D, 0x4D, 0x69, // payload checksum
			},
			want: &DataFrame{baseFrame{
				OpCode:   operation.Operation{Code: operation.OpAppend},
				Flag:     3,
				StreamID: 16909060,
				Payload:  []byte{0x05, 0x06, 0x07, 0x08},
			}},
		},
		{
			name: "normal case without payload",
			input: []byte{
				0x00, 0x00, 0x00, 0x0C, // frame length
				0x2A,       // magic code
				0x00, 0x01, // op code
				0x01,                   // flag
				0x00, 0x00, 0x00, 0x02, // stream ID
				0x00, 0x00, 0x00, 0x00, // payload checksum
			},
			want: &PingFrame{baseFrame{
				OpCode:   operation.Operation{Code: operation.OpPing},
				Flag:     FlagResponse,
				StreamID: 2,
			}},
		},
		{
			name: "frame too small",
			input: []byte{
				0x00, 0x00, 0x00, 0x0B, // frame length
				0x2A,       // magic code
				0x00, 0x01, // op code
				0x01,                   // flag
				0x00, 0x00, 0x00, 0x02, // stream ID
				0x00, 0x00, 0x00, 0x00, // payload checksum
			},
			wantErr: true,
			errMsg:  "frame too small",
		},
		{
			name: "magic code mismatch",
			input: []byte{
				0x00, 0x00, 0x00, 0x0C, // frame length
				0x17,       // magic code
				0x00, 0x01, // op code
				0x01,                   // flag
				0x00, 0x00, 0x00, 0x02, // stream ID
				0x00, 0x00, 0x00, 0x00, // payload checksum
			},
			wantErr: true,
			errMsg:  "magic code mismatch",
		},
		{
			name: "payload checksum mismatch",
			input: []byte{
				0x00, 0x00, 0x00, 0x10, // frame length
				0x2A,       // magic code
				0x10, 0x01, // op code
				0x03,                   // flag
				0x01, 0x02, 0x03, 0x04, // stream ID
				0x05, 0x06, 0x07, 0x08, // payload data
				0x00, 0x00, 0x00, 0x00, // payload checksum
			},
			wantErr: true,
			errMsg:  "payload checksum mismatch",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			fr := NewFramer(nil, bytes.NewReader(tt.input), zap.NewNop())
			frame, free, err := fr.ReadFrame()
			if free != nil {
				defer free()
			}

			if tt.wantErr {
				re.Error(err)
				re.Contains(err.Error(), tt.errMsg)
				return
			}
			re.NoError(err)
			re.Equal(tt.want.Base().OpCode, frame.Base().OpCode)
			re.Equal(tt.want.Base().Flag, frame.Base().Flag)
			re.Equal(tt.want.Base().StreamID, frame.Base().StreamID)
			re.Equal(tt.want.Base().Payload, frame.Base().Payload)
			re.IsType(tt.want, frame)
		})
	}
}

func TestWriteFrame(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var buf bytes.Buffer
	fr := NewFramer(&buf, nil, zap.NewNop())

	frame := NewDataFrameReq(&DataFrameContext{
		OpCode:   operation.Operation{Code: operation.OpAppend},
		StreamID: 16909060,
	}, []byte{0x05, 0x06, 0x07, 0x08}, 0x03)
	re.NoError(fr.WriteFrame(frame))

	re.Equal([]byte{
		0x00, 0x00, 0x00, 0x10, // frame length
		0x2A,       // magic code
		0x10, 0x01, // op code
		0x03,                   // flag
		0x01, 0x02, 0x03, 0x04, // stream ID
		0x05, 0x06, 0x07, 0x08, // payload data
		0x53, 0x8D, 0x4D, 0x69, // payload checksum
	}, buf.Bytes())
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var network bytes.Buffer
	bw := bufio.NewWriter(&network)
	fr := NewFramer(bw, &network, zap.NewNop())

	ping := &PingFrame{baseFrame{
		OpCode:   operation.Operation{Code: operation.OpPing},
		StreamID: fr.NextID(),
		Payload:  []byte("hello"),
	}}
	data := NewDataFrameResp(&DataFrameContext{
		OpCode:   operation.Operation{Code: operation.OpFetch},
		StreamID: fr.NextID(),
	}, []byte("world"), true)

	re.NoError(fr.WriteFrame(ping))
	re.NoError(fr.WriteFrame(data))
	re.NoError(fr.Flush())

	got, free, err := fr.ReadFrame()
	re.NoError(err)
	re.IsType(&PingFrame{}, got)
	re.Equal([]byte("hello"), got.Base().Payload)
	re.True(got.IsRequest())
	if free != nil {
		free()
	}

	got, free, err = fr.ReadFrame()
	re.NoError(err)
	re.IsType(&DataFrame{}, got)
	re.Equal([]byte("world"), got.Base().Payload)
	re.True(got.IsResponse())
	re.True(got.Base().Flag.Has(FlagResponseEnd))
	if free != nil {
		free()
	}
}
