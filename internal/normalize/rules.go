package normalize

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Unknown is the placeholder for labels that cannot be resolved.
const Unknown = "Unknown"

// requestInfo is the subset of an ad the classification cascades look at.
type requestInfo struct {
	request  string // WMAgent_RequestName
	subtask  string // last path element of WMAgent_SubTaskName
	fullTask string // WMAgent_SubTaskName
	campHint string // second dash-separated token of subtask
	analysis bool
	crabUser string
	crabFlow string
}

func newRequestInfo(ad spider.RawAd, analysis bool) requestInfo {
	full := ad.StringOr("WMAgent_SubTaskName", "/UNKNOWN")
	subtask := full[strings.LastIndex(full, "/")+1:]
	hint := subtask
	if parts := strings.Split(subtask, "-"); len(parts) > 1 {
		hint = parts[1]
	}
	return requestInfo{
		request:  ad.StringOr("WMAgent_RequestName", "UNKNOWN"),
		subtask:  subtask,
		fullTask: ad.StringOr("WMAgent_SubTaskName", ""),
		campHint: hint,
		analysis: analysis,
		crabUser: ad.StringOr("CRAB_UserHN", "UNKNOWN"),
		crabFlow: ad.StringOr("CRAB_Workflow", "UNKNOWN"),
	}
}

// rule is one (predicate, result) pair of an ordered cascade.
type rule struct {
	Name  string
	apply func(requestInfo) (string, bool)
}

func evaluate(rules []rule, info requestInfo, fallback func(requestInfo) string) string {
	for _, r := range rules {
		if out, ok := r.apply(info); ok {
			return out
		}
	}
	return fallback(info)
}

func label(out string, pred func(requestInfo) bool) func(requestInfo) (string, bool) {
	return func(in requestInfo) (string, bool) {
		if pred(in) {
			return out, true
		}
		return "", false
	}
}

func anyOf(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var taskTypeRules = []rule{
	{"cleanup", label("Cleanup", func(in requestInfo) bool { return strings.Contains(in.subtask, "CleanupUnmerged") })},
	{"merge", label("Merge", func(in requestInfo) bool { return strings.Contains(in.subtask, "Merge") })},
	{"logcollect", label("LogCollect", func(in requestInfo) bool { return strings.Contains(in.subtask, "LogCollect") })},
	{"miniaod-request", label("MINIAOD", func(in requestInfo) bool {
		return strings.Contains(in.request, "MiniAOD") && in.subtask == "StepOneProc"
	})},
	{"miniaod-task", label("MINIAOD", func(in requestInfo) bool { return strings.Contains(in.subtask, "MiniAOD") })},
	{"digireco", label("DIGIRECO", func(in requestInfo) bool {
		return in.subtask == "StepOneProc" && anyOf(in.campHint, "15DR", "16DR", "17DR")
	})},
	{"gensim-step0", label("GENSIM", func(in requestInfo) bool {
		return anyOf(in.campHint, "15GS", "16GS", "17GS") && strings.HasSuffix(in.subtask, "_0")
	})},
	{"digi", label("DIGI", func(in requestInfo) bool { return strings.HasSuffix(in.subtask, "_0") })},
	{"reco", label("RECO", func(in requestInfo) bool {
		return strings.HasSuffix(in.subtask, "_1") || strings.EqualFold(in.subtask, "reco")
	})},
	{"gensim-mc", label("GENSIM", func(in requestInfo) bool { return in.subtask == "MonteCarloFromGEN" })},
	{"processing", func(in requestInfo) (string, bool) {
		switch in.subtask {
		case "DataProcessing", "Repack", "Express":
			return in.subtask, true
		}
		return "", false
	}},
}

var (
	campRe       = regexp.MustCompile(`^[A-Za-z0-9_]+_[A-Z0-9]+-([A-Za-z0-9]+)-`)
	prepRe       = regexp.MustCompile(`^[A-Za-z0-9_]+_([A-Z]+-([A-Za-z0-9]+)-[0-9]+)`)
	rvalRe       = regexp.MustCompile(`^[A-Za-z0-9]+_(RVCMSSW_[0-9]+_[0-9]+_[0-9]+)`)
	promptPrepRe = regexp.MustCompile(`^(PromptReco|Repack|Express)_[A-Za-z0-9]+_([A-Za-z0-9]+)`)
	rerecoRe     = regexp.MustCompile(`^[A-Za-z0-9_]+_Run20[A-Za-z0-9-_]+-([A-Za-z0-9]+)`)
)

func submatch(re *regexp.Regexp, s string, group int) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil || len(m) <= group {
		return "", false
	}
	return m[group], true
}

var campaignRules = []rule{
	{"analysis", func(in requestInfo) (string, bool) {
		if in.analysis {
			return "crab_" + in.crabUser, true
		}
		return "", false
	}},
	{"promptreco", label("PromptReco", func(in requestInfo) bool { return strings.HasPrefix(in.request, "PromptReco") })},
	{"repack", label("Repack", func(in requestInfo) bool { return strings.HasPrefix(in.request, "Repack") })},
	{"express", label("Express", func(in requestInfo) bool { return strings.HasPrefix(in.request, "Express") })},
	{"relval", label("RelVal", func(in requestInfo) bool { return strings.Contains(in.request, "RVCMSSW") })},
	{"request-pattern", func(in requestInfo) (string, bool) { return submatch(campRe, in.request, 1) }},
	{"rereco", func(in requestInfo) (string, bool) {
		if !strings.Contains(in.fullTask, "DataProcessing") {
			return "", false
		}
		if m, ok := submatch(rerecoRe, in.request, 1); ok {
			return m + "Reprocessing", true
		}
		return "", false
	}},
}

func matches(pattern string) func(requestInfo) bool {
	re := regexp.MustCompile(pattern)
	return func(in requestInfo) bool { return re.MatchString(in.request) }
}

var campaignTypeRules = []rule{
	{"analysis", label("Analysis", func(in requestInfo) bool { return in.analysis })},
	{"mc-ultralegacy", label("MC Ultralegacy", matches(`^.*(RunIISummer(1|2)[0-9]UL|_UL[0-9]+).*`))},
	{"data-ultralegacy", label("Data Ultralegacy", matches(`^.*UltraLegacy.*`))},
	{"phase2", label("Phase2 requests", matches(`^.*Phase2.*`))},
	{"run3", label("Run3 requests", matches(`^.*Run3.*`))},
	{"relval", label("RelVal", func(in requestInfo) bool { return strings.Contains(in.request, "RVCMSSW") })},
	{"run2", label("Run2 requests", matches(`^.*(RunII|(Summer|Fall|Autumn|Winter|Spring)(1[5-9]|20)).*`))},
}

var workflowRules = []rule{
	{"analysis", func(in requestInfo) (string, bool) {
		if !in.analysis {
			return "", false
		}
		flow := in.crabFlow
		if i := strings.Index(flow, ":"); i >= 0 {
			flow = flow[i+1:]
		}
		return flow, true
	}},
	{"prep", func(in requestInfo) (string, bool) { return submatch(prepRe, in.request, 1) }},
	{"prompt", func(in requestInfo) (string, bool) {
		m := promptPrepRe.FindStringSubmatch(in.request)
		if m == nil {
			return "", false
		}
		return m[1] + "_" + m[2], true
	}},
	{"relval", func(in requestInfo) (string, bool) { return submatch(rvalRe, in.request, 1) }},
}

func guessTaskType(in requestInfo) string {
	return evaluate(taskTypeRules, in, func(requestInfo) string { return Unknown })
}

func guessCampaign(in requestInfo) string {
	return evaluate(campaignRules, in, func(in requestInfo) string { return in.request })
}

func guessCampaignType(in requestInfo) string {
	return evaluate(campaignTypeRules, in, func(requestInfo) string { return "UNKNOWN" })
}

func guessWorkflow(in requestInfo) string {
	return evaluate(workflowRules, in, func(in requestInfo) string { return in.request })
}

// RuleNames returns the ordered rule names of every cascade, keyed by cascade.
func RuleNames() map[string][]string {
	names := func(rules []rule) []string {
		out := make([]string, len(rules))
		for i, r := range rules {
			out[i] = r.Name
		}
		return out
	}
	return map[string][]string{
		"task_type":     names(taskTypeRules),
		"campaign":      names(campaignRules),
		"campaign_type": names(campaignTypeRules),
		"workflow":      names(workflowRules),
		"error_type":    errorTypeRuleNames(),
	}
}
