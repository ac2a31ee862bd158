package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTagsMD5Mismatch(t *testing.T) {
	raw := fmt.Errorf("download failed: MD5校验失败: abc vs def")
	classified := Classify(raw)

	assert.Equal(t, "MD5校验失败", classified.Error())
	assert.ErrorIs(t, classified, raw)
}

func TestClassifyTagsServerError(t *testing.T) {
	raw := errors.New("500 Internal Server Error")
	classified := Classify(raw)

	assert.Equal(t, "接口请求失败", classified.Error())
}

func TestClassifyPassesThroughUnknownErrors(t *testing.T) {
	raw := errors.New("connection refused")
	classified := Classify(raw)

	assert.Same(t, raw, classified)
}

func TestClassifyNilIsNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestDownloadFailureUnwraps(t *testing.T) {
	raw := errors.New("root cause")
	df := &DownloadFailure{Tag: "接口请求失败", Err: raw}

	assert.Equal(t, "接口请求失败", df.Error())
	assert.ErrorIs(t, df, raw)
}
