package workerproto

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	hello := Hello{Kind: KindHello, ProtocolVersion: ProtocolVersion, Capabilities: []string{"json-schema"}}
	require.NoError(t, w.WriteMessage(hello))

	exec := Execute{
		Kind:          KindExecute,
		CorrelationID: 42,
		Task:          TaskDescriptor{Fingerprint: "abc123", SourceCode: "return a+b"},
		Input:         map[string]any{"a": 2, "b": 3},
		Limits:        Limits{WallMS: 1000, MemBytes: 1 << 20, OutputBytes: 1 << 16},
	}
	require.NoError(t, w.WriteMessage(exec))

	r := NewReader(&buf)

	raw, err := r.ReadMessage()
	require.NoError(t, err)
	kind, err := PeekKind(raw)
	require.NoError(t, err)
	require.Equal(t, KindHello, kind)
	var gotHello Hello
	require.NoError(t, json.Unmarshal(raw, &gotHello))
	require.Equal(t, hello, gotHello)

	raw, err = r.ReadMessage()
	require.NoError(t, err)
	kind, err = PeekKind(raw)
	require.NoError(t, err)
	require.Equal(t, KindExecute, kind)
	var gotExec Execute
	require.NoError(t, json.Unmarshal(raw, &gotExec))
	require.Equal(t, uint64(42), gotExec.CorrelationID)
	require.Equal(t, "abc123", gotExec.Task.Fingerprint)
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenPrefix [4]byte
	// Declare a frame larger than MaxFrameBytes without writing the body.
	const bogus = MaxFrameBytes + 1
	lenPrefix[0] = byte(bogus >> 24)
	lenPrefix[1] = byte(bogus >> 16)
	lenPrefix[2] = byte(bogus >> 8)
	lenPrefix[3] = byte(bogus)
	buf.Write(lenPrefix[:])

	r := NewReader(&buf)
	_, err := r.ReadMessage()
	require.Error(t, err)
}

func TestWriterRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	huge := make([]byte, MaxFrameBytes+10)
	err := w.WriteMessage(LogRecord{Kind: KindLog, Level: "info", Fields: map[string]any{"blob": string(huge)}})
	require.Error(t, err)
}
