package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_Invoke(t *testing.T) {
	ch := NewChannel("harupan/onnx")
	ch.Handle("echo", func(_ context.Context, args Args) (any, error) {
		s, _, err := args.String("text")
		return s, err
	})
	ch.Handle("fail", func(context.Context, Args) (any, error) {
		return nil, errors.New("boom")
	})
	ch.Handle("reject", func(context.Context, Args) (any, error) {
		return nil, Errorf(CodeBadArgs, "Missing imageBytes")
	})

	assert.Equal(t, []string{"echo", "fail", "reject"}, ch.Methods())

	reply := ch.Invoke(context.Background(), Call{Method: "echo", Args: Args{"text": "hi"}})
	require.True(t, reply.OK())
	assert.Equal(t, "hi", reply.Result)

	reply = ch.Invoke(context.Background(), Call{Method: "fail"})
	require.False(t, reply.OK())
	assert.Equal(t, CodeInternal, reply.Error.Code)
	assert.Equal(t, "boom", reply.Error.Message)

	reply = ch.Invoke(context.Background(), Call{Method: "reject"})
	assert.Equal(t, &Error{Code: CodeBadArgs, Message: "Missing imageBytes"}, reply.Error)

	reply = ch.Invoke(context.Background(), Call{Method: "missing"})
	assert.Equal(t, CodeNotImplemented, reply.Error.Code)
}

func TestArgs_Bytes(t *testing.T) {
	args := Args{"raw": []byte{1, 2}, "b64": "AQID", "bad": "%%%", "num": 3}

	b, ok, err := args.Bytes("raw")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2}, b)

	b, ok, err = args.Bytes("b64")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, b)

	_, ok, err = args.Bytes("absent")
	assert.NoError(t, err)
	assert.False(t, ok)

	for _, name := range []string{"bad", "num"} {
		_, _, err = args.Bytes(name)
		var bridgeErr *Error
		require.ErrorAs(t, err, &bridgeErr)
		assert.Equal(t, CodeBadArgs, bridgeErr.Code)
	}
}

func TestArgs_Int(t *testing.T) {
	var decoded Args
	require.NoError(t, json.Unmarshal([]byte(`{"imgsz": 320, "frac": 1.5}`), &decoded))

	n, ok, err := decoded.Int("imgsz")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 320, n)

	_, _, err = decoded.Int("frac")
	assert.Error(t, err)

	n, ok, err = Args{"imgsz": int64(640)}.Int("imgsz")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 640, n)

	n, ok, err = Args{"imgsz": json.Number("224")}.Int("imgsz")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 224, n)

	_, ok, err = Args{"imgsz": nil}.Int("imgsz")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = Args{"imgsz": "640"}.Int("imgsz")
	assert.Error(t, err)
}

func TestArgs_IntKinds(t *testing.T) {
	type pixels uint16

	for _, v := range []any{int8(64), int16(64), uint(64), uint8(64), uint16(64), uint32(64), uint64(64), pixels(64)} {
		n, ok, err := Args{"imgsz": v}.Int("imgsz")
		require.NoError(t, err, "%T", v)
		assert.True(t, ok)
		assert.Equal(t, 64, n, "%T", v)
	}

	_, _, err := Args{"imgsz": uint64(math.MaxUint64)}.Int("imgsz")
	var bridgeErr *Error
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, CodeBadArgs, bridgeErr.Code)
}

func TestReply_JSON(t *testing.T) {
	data, err := json.Marshal(Reply{Result: []float32{1, 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":[1,2]}`, string(data))

	data, err = json.Marshal(Reply{Error: Errorf(CodeRunFailed, "Session not loaded")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":"run_failed","message":"Session not loaded"}}`, string(data))
}

func TestReply_JSONEmptyResult(t *testing.T) {
	data, err := json.Marshal(Reply{Result: []float32{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":[]}`, string(data))
}

func TestChannel_CallID(t *testing.T) {
	ch := NewChannel("test")
	ch.Handle("id", func(ctx context.Context, _ Args) (any, error) {
		return CallID(ctx), nil
	})

	reply := ch.Invoke(WithCallID(context.Background(), "abc"), Call{Method: "id"})
	assert.Equal(t, "abc", reply.Result)

	reply = ch.Invoke(context.Background(), Call{Method: "id"})
	assert.Len(t, reply.Result, 36)
}
