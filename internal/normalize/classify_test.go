package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

func TestClassifyExitCode(t *testing.T) {
	t.Parallel()

	cases := map[int64]ErrorType{
		10031: ErrorEnvironment,
		50513: ErrorEnvironment,
		69001: ErrorPublication,
		60307: ErrorStageOut,
		85000: ErrorJobWrapper,
		8020:  ErrorFileOpen,
		8028:  ErrorFileOpen,
		8021:  ErrorFileRead,
		8030:  ErrorOutOfBounds,
		9000:  ErrorOutOfBounds,
		50664: ErrorOutOfBounds,
		8001:  ErrorExecutable,
		139:   ErrorExecutable,
		1:     ErrorOther,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyExitCode(code), "code %d", code)
	}
}

func TestClassifyConsolidatesExitCode(t *testing.T) {
	t.Parallel()

	ad := spider.NewRawAd(map[string]any{
		"ExitCode":                 0,
		"Chirp_CRAB3_Job_ExitCode": 60307,
		"JobExitCode":              50664,
	})
	failed, code, typ, class := Classify(ad)
	assert.True(t, failed)
	assert.Equal(t, int64(50664), code)
	assert.Equal(t, ErrorOutOfBounds, typ)
	assert.Equal(t, ClassApplication, class)
}

func TestClassifyFileReadFailure(t *testing.T) {
	t.Parallel()

	failed, code, typ, class := Classify(spider.NewRawAd(map[string]any{
		"JobFailed":                1,
		"Chirp_CRAB3_Job_ExitCode": 8021,
		"JobExitCode":              8021,
	}))
	assert.True(t, failed)
	assert.Equal(t, int64(8021), code)
	assert.Equal(t, ErrorFileRead, typ)
	assert.Equal(t, ClassDataAccess, class)
}

func TestClassifyIgnoresStaleFailedFlag(t *testing.T) {
	t.Parallel()

	failed, _, typ, class := Classify(spider.NewRawAd(map[string]any{
		"JobFailed":   1,
		"ExitCode":    0,
		"JobExitCode": 8021,
	}))
	assert.False(t, failed)
	assert.Equal(t, ErrorSuccess, typ)
	assert.Equal(t, ClassSuccess, class)
}

func TestClassifySuccess(t *testing.T) {
	t.Parallel()

	failed, _, typ, class := Classify(spider.NewRawAd(map[string]any{"ExitCode": 0}))
	assert.False(t, failed)
	assert.Equal(t, ErrorSuccess, typ)
	assert.Equal(t, ClassSuccess, class)
	assert.Equal(t, ClassOther, ClassOf(ErrorOther, true))
}
