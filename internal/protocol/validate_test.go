// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateControlEvent_Keyboard(t *testing.T) {
	t.Run("missing key is rejected", func(t *testing.T) {
		_, err := ValidateControlEvent(map[string]interface{}{"type": "keydown"})
		require.ErrorIs(t, err, ErrInvalidPayload)
		assert.Contains(t, err.Error(), "key")
	})

	t.Run("key with boolean modifier passes unchanged", func(t *testing.T) {
		in := map[string]interface{}{"type": "keydown", "key": "Enter", "shift": true}
		out, err := ValidateControlEvent(in)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("non-boolean modifier is rejected", func(t *testing.T) {
		_, err := ValidateControlEvent(map[string]interface{}{
			"type": "keyup", "key": "a", "ctrl": "yes",
		})
		require.ErrorIs(t, err, ErrInvalidPayload)
		assert.Contains(t, err.Error(), "ctrl")
	})
}

func TestValidateControlEvent_Mouse(t *testing.T) {
	t.Run("mousemove requires numeric coordinates", func(t *testing.T) {
		_, err := ValidateControlEvent(map[string]interface{}{"type": "mousemove", "x": "10", "y": 4.0})
		require.ErrorIs(t, err, ErrInvalidPayload)

		out, err := ValidateControlEvent(map[string]interface{}{"type": "mousemove", "x": 10.0, "y": 4.0})
		require.NoError(t, err)
		assert.Equal(t, 10.0, out["x"])
	})

	t.Run("click accepts optional numeric button", func(t *testing.T) {
		_, err := ValidateControlEvent(map[string]interface{}{"type": "click", "x": 1.0, "y": 2.0})
		require.NoError(t, err)

		_, err = ValidateControlEvent(map[string]interface{}{"type": "click", "x": 1.0, "y": 2.0, "button": 0.0})
		require.NoError(t, err)

		_, err = ValidateControlEvent(map[string]interface{}{"type": "mousedown", "x": 1.0, "y": 2.0, "button": "left"})
		require.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestValidateControlEvent_AndroidShape(t *testing.T) {
	for _, et := range []string{"tap", "long_press", "swipe", "multi_step", "global_action", "init_mapper", "key"} {
		in := map[string]interface{}{
			"event_type": et,
			"data":       map[string]interface{}{"x": 100.0, "y": 200.0},
		}
		out, err := ValidateControlEvent(in)
		require.NoError(t, err, et)
		assert.Equal(t, in, out, "payload is forwarded as-is")
	}

	_, err := ValidateControlEvent(map[string]interface{}{"event_type": "pinch", "data": map[string]interface{}{}})
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ValidateControlEvent(map[string]interface{}{"event_type": "tap"})
	require.ErrorIs(t, err, ErrInvalidPayload)
	assert.Contains(t, err.Error(), "data")
}

func TestValidateControlEvent_UnknownType(t *testing.T) {
	_, err := ValidateControlEvent(map[string]interface{}{"type": "scroll"})
	require.ErrorIs(t, err, ErrInvalidPayload)
	assert.Contains(t, err.Error(), "unknown event type")

	_, err = ValidateControlEvent(nil)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestValidateMediaFrame(t *testing.T) {
	t.Run("missing data is rejected", func(t *testing.T) {
		_, err := ValidateMediaFrame(map[string]interface{}{"frame_type": "idr"})
		require.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("frame_type defaults to p", func(t *testing.T) {
		out, err := ValidateMediaFrame(map[string]interface{}{"data": "base64..."})
		require.NoError(t, err)
		assert.Equal(t, "p", out["frame_type"])
	})

	t.Run("frame_type is case-insensitive and normalized", func(t *testing.T) {
		out, err := ValidateMediaFrame(map[string]interface{}{"data": "x", "frame_type": "IDR"})
		require.NoError(t, err)
		assert.Equal(t, "idr", out["frame_type"])
	})

	t.Run("unknown frame_type is rejected", func(t *testing.T) {
		_, err := ValidateMediaFrame(map[string]interface{}{"data": "x", "frame_type": "b"})
		require.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestValidateMediaMetadata(t *testing.T) {
	out, err := ValidateMediaMetadata(map[string]interface{}{
		"resolution": "1920x1080", "fps": 30.0, "codec": "h264",
	})
	require.NoError(t, err)
	assert.Equal(t, "h264", out["codec"])

	_, err = ValidateMediaMetadata(nil)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestValidateDeviceEvent(t *testing.T) {
	out, err := ValidateDeviceEvent(map[string]interface{}{"type": "battery", "level": 40.0})
	require.NoError(t, err)
	assert.Equal(t, "battery", out["type"])

	_, err = ValidateDeviceEvent(map[string]interface{}{"level": 40.0})
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeObject(t *testing.T) {
	out, err := DecodeObject([]byte(`{"type":"keydown","key":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "keydown", out["type"])

	for _, raw := range []string{`[1,2]`, `"text"`, `42`, `null`, `not json`} {
		_, err := DecodeObject([]byte(raw))
		require.ErrorIs(t, err, ErrInvalidPayload, raw)
	}
}
