package normalize

import "github.com/JakeFAU/condor-spider/internal/spider"

// ErrorType is the range-based classification of a consolidated exit code.
type ErrorType string

// Error types.
const (
	ErrorSuccess       ErrorType = "Success"
	ErrorEnvironment   ErrorType = "Environment"
	ErrorPublication   ErrorType = "Publication"
	ErrorStageOut      ErrorType = "StageOut"
	ErrorAsyncStageOut ErrorType = "AsyncStageOut"
	ErrorJobWrapper    ErrorType = "JobWrapper"
	ErrorFileOpen      ErrorType = "FileOpen"
	ErrorFileRead      ErrorType = "FileRead"
	ErrorOutOfBounds   ErrorType = "OutOfBounds"
	ErrorExecutable    ErrorType = "Executable"
	ErrorOther         ErrorType = "Other"
)

// ErrorClass collapses error types into coarse failure classes.
type ErrorClass string

// Error classes.
const (
	ClassSuccess     ErrorClass = "Success"
	ClassSystem      ErrorClass = "System"
	ClassDataAccess  ErrorClass = "DataAccess"
	ClassApplication ErrorClass = "Application"
	ClassOther       ErrorClass = "Other"
)

// exitCodeFields mark a job as failed when any of them is non-zero.
var exitCodeFields = []string{
	"ExitCode",
	"Chirp_CRAB3_Job_ExitCode",
	"Chirp_WMCore_cmsRun_ExitCode",
	"Chirp_WMCore_cmsRun1_ExitCode",
	"Chirp_WMCore_cmsRun2_ExitCode",
}

// exitCodePriority is the order in which the consolidated exit code is taken.
var exitCodePriority = []string{
	"JobExitCode",
	"Chirp_CRAB3_Job_ExitCode",
	"Chirp_WMCore_cmsRun_ExitCode",
	"ExitCode",
}

type codeRule struct {
	name  string
	match func(code int64) bool
	typ   ErrorType
}

func between(lo, hi int64) func(int64) bool {
	return func(c int64) bool { return c >= lo && c <= hi }
}

func oneOf(codes ...int64) func(int64) bool {
	return func(c int64) bool {
		for _, x := range codes {
			if c == x {
				return true
			}
		}
		return false
	}
}

func either(a, b func(int64) bool) func(int64) bool {
	return func(c int64) bool { return a(c) || b(c) }
}

// errorTypeRules are evaluated top to bottom; the first match wins and
// ErrorOther is the fallback.
var errorTypeRules = []codeRule{
	{"environment", either(between(10000, 19999), oneOf(50513)), ErrorEnvironment},
	{"publication", between(69000, 69999), ErrorPublication},
	{"stageout", between(60000, 68999), ErrorStageOut},
	{"jobwrapper", between(80000, 89999), ErrorJobWrapper},
	{"fileopen", oneOf(8020, 8028), ErrorFileOpen},
	{"fileread", oneOf(8021), ErrorFileRead},
	{"outofbounds", either(oneOf(8030, 8031, 8032, 9000), between(50660, 50669)), ErrorOutOfBounds},
	{"executable", either(between(7000, 9000), oneOf(139)), ErrorExecutable},
}

var errorClasses = map[ErrorType]ErrorClass{
	ErrorEnvironment:   ClassSystem,
	ErrorPublication:   ClassSystem,
	ErrorStageOut:      ClassSystem,
	ErrorAsyncStageOut: ClassSystem,
	ErrorFileOpen:      ClassDataAccess,
	ErrorFileRead:      ClassDataAccess,
	ErrorJobWrapper:    ClassApplication,
	ErrorOutOfBounds:   ClassApplication,
	ErrorExecutable:    ClassApplication,
}

// JobFailed reports whether any exit-code-bearing field is non-zero. The
// ad's own JobFailed attribute is ignored; it is recomputed here.
func JobFailed(ad spider.RawAd) bool {
	for _, key := range exitCodeFields {
		if v, ok := ad.Int(key); ok && v != 0 {
			return true
		}
	}
	return false
}

// CommonExitCode returns the first populated exit code in priority order.
func CommonExitCode(ad spider.RawAd) int64 {
	for _, key := range exitCodePriority {
		if v, ok := ad.Int(key); ok {
			return v
		}
	}
	return 0
}

// ClassifyExitCode maps a failed job's exit code to an error type.
func ClassifyExitCode(code int64) ErrorType {
	for _, rule := range errorTypeRules {
		if rule.match(code) {
			return rule.typ
		}
	}
	return ErrorOther
}

// Classify runs the full taxonomy for an ad.
func Classify(ad spider.RawAd) (failed bool, code int64, typ ErrorType, class ErrorClass) {
	failed = JobFailed(ad)
	code = CommonExitCode(ad)
	if !failed {
		return false, code, ErrorSuccess, ClassSuccess
	}
	typ = ClassifyExitCode(code)
	return true, code, typ, ClassOf(typ, true)
}

// ClassOf collapses an error type into its class.
func ClassOf(typ ErrorType, failed bool) ErrorClass {
	if class, ok := errorClasses[typ]; ok {
		return class
	}
	if failed {
		return ClassOther
	}
	return ClassSuccess
}

func errorTypeRuleNames() []string {
	out := make([]string, len(errorTypeRules))
	for i, r := range errorTypeRules {
		out[i] = r.name
	}
	return out
}
