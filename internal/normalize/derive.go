package normalize

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

var (
	creamCPUsRe     = regexp.MustCompile(`CPUNumber = (\d+)`)
	nordugridCPUsRe = regexp.MustCompile(`\(count=(\d+)\)`)
	listSplitRe     = regexp.MustCompile(`[\s,]+\s*`)
	cmsswVersionRe  = regexp.MustCompile(`^CMSSW_((\d*)_(\d*)_.*)`)
	chirpIOSiteRe   = regexp.MustCompile(`^ChirpCMSSW(.*?)IOSite_(.*)_(ReadBytes|ReadTimeMS)`)
)

const crabWorkflowLayout = "060102_150405"

var postJobStatuses = map[string]string{
	"NOT RUN":      "postProc",
	"TRANSFERRING": "transferring",
	"COOLOFF":      "toRetry",
	"FAILED":       "failed",
	"FINISHED":     "finished",
}

// accounting holds the time figures shared by several derived fields.
type accounting struct {
	remoteWall      float64
	committed       float64
	cpus            int64
	wallClockHr     float64
	coreHr          float64
	committedCoreHr float64
	cpuTimeHr       float64
}

// newAccounting computes wall-clock figures. Running jobs are charged up to
// launch time since the source only updates totals on state changes.
func newAccounting(ad spider.RawAd, status, launch int64) accounting {
	a := accounting{
		remoteWall: ad.FloatOr("RemoteWallClockTime", 0),
		committed:  ad.FloatOr("CommittedTime", 0),
		cpus:       requestCPUs(ad),
	}
	if status == 2 {
		if entered, ok := ad.Int("EnteredCurrentStatus"); ok && entered < launch {
			a.remoteWall = float64(launch - entered)
			a.committed = a.remoteWall
		}
	}
	cpus := float64(a.cpus)
	a.wallClockHr = a.remoteWall / 3600.0
	a.coreHr = cpus * math.Trunc(a.remoteWall) / 3600.0
	a.committedCoreHr = cpus * a.committed / 3600.0
	a.cpuTimeHr = (ad.FloatOr("RemoteSysCpu", 0) + ad.FloatOr("RemoteUserCpu", 0)) / 3600.0
	return a
}

// cpuEff is 100 * cpu / wall / cores, defined as 0 for zero wall-clock.
func (a accounting) cpuEff() float64 {
	if a.wallClockHr == 0 {
		return 0
	}
	return 100 * a.cpuTimeHr / a.wallClockHr / float64(a.cpus)
}

// requestCPUs falls back through grid-specific attributes, then 1.
func requestCPUs(ad spider.RawAd) int64 {
	if ad.Has("RequestCpus") {
		if n, ok := ad.Int("RequestCpus"); ok && n > 0 {
			return n
		}
		return 1
	}
	for _, probe := range []struct {
		key string
		re  *regexp.Regexp
	}{
		{"CreamAttributes", creamCPUsRe},
		{"NordugridRSL", nordugridCPUsRe},
	} {
		if m := probe.re.FindStringSubmatch(ad.StringOr(probe.key, "")); m != nil {
			if n, err := strconv.ParseInt(m[1], 10, 64); err == nil && n > 0 {
				return n
			}
			return 1
		}
	}
	if n, ok := ad.Int("xcount"); ok && n > 0 {
		return n
	}
	return 1
}

func (e *Engine) deriveAccounting(ad spider.RawAd, doc spider.Document, a accounting, status int64, analysis bool) {
	doc["WallClockHr"] = a.wallClockHr

	doc["PilotRestLifeTimeMins"] = int64(-1)
	if analysis && status == 2 && ad.Has("LastMatchTime") {
		toDie, ok1 := ad.Int("MATCH_GLIDEIN_ToDie")
		entered, ok2 := ad.Int("EnteredCurrentStatus")
		if ok1 && ok2 {
			doc["PilotRestLifeTimeMins"] = (toDie - entered) / 60
		} else {
			doc["PilotRestLifeTimeMins"] = int64(-72 * 60)
		}
	}

	tuned := false
	if raw, ok := ad.Get("HasBeenTimingTuned"); ok {
		tuned, _ = spider.AsBool(raw)
	}
	doc["HasBeenTimingTuned"] = tuned

	doc["RequestCpus"] = a.cpus
	doc["CoreHr"] = a.coreHr
	doc["CommittedCoreHr"] = a.committedCoreHr
	doc["CommittedWallClockHr"] = a.committed / 3600.0
	doc["CpuTimeHr"] = a.cpuTimeHr
	doc["DiskUsageGB"] = ad.FloatOr("DiskUsage_RAW", 0) / 1e6
	doc["MemoryMB"] = ad.FloatOr("ResidentSetSize_RAW", 0) / 1024.0

	locations := splitList(ad, "DESIRED_CMSDataLocations")
	desired := splitList(ad, "DESIRED_Sites", "DESIRED_SITES")
	doc["DataLocations"] = locations
	doc["DESIRED_Sites"] = desired
	doc["Original_DESIRED_Sites"] = splitList(ad, "ExtDESIRED_Sites")
	doc["DesiredSiteCount"] = int64(len(desired))
	doc["DataLocationsCount"] = int64(len(locations))
	doc["CRAB_TaskCreationDate"] = taskCreationDate(ad, doc["RecordTime"].(int64))

	primary, processed, tier := Unknown, Unknown, Unknown
	if ds, ok := doc["DESIRED_CMSDataset"].(string); ok {
		if parts := strings.Split(ds, "/"); len(parts) > 3 {
			primary, processed, tier = parts[1], parts[2], parts[len(parts)-1]
		}
	}
	doc["CMSPrimaryPrimaryDataset"] = primary
	doc["CMSPrimaryProcessedDataset"] = processed
	doc["CMSPrimaryDataTier"] = tier

	if analysis {
		doc["OutputFiles"] = int64(listLen(ad, "CRAB_AdditionalOutputFiles")+
			listLen(ad, "CRAB_TFileOutputFiles")+
			listLen(ad, "CRAB_EDMOutputFiles")) + ad.IntOr("CRAB_SaveLogsFlag", 0)
	}
	if raw, ok := ad.Get("x509UserProxyFQAN"); ok {
		doc["x509UserProxyFQAN"] = strings.Split(spider.AsString(raw), ",")
	}
	if raw, ok := ad.Get("x509UserProxyVOName"); ok {
		doc["VO"] = spider.AsString(raw)
	}
	doc["CMSGroups"] = splitList(ad, "CMSGroups")
	doc["CpuEff"] = a.cpuEff()
}

// matchedSite resolves the execution site, accepting the malformed match
// attribute some pools publish.
func matchedSite(ad spider.RawAd) string {
	for _, key := range []string{"MATCH_EXP_JOB_GLIDEIN_CMSSite", "MATCH_EXP_JOBGLIDEIN_CMSSite"} {
		if raw, ok := ad.Get(key); ok && raw != nil {
			return spider.AsString(raw)
		}
	}
	return Unknown
}

func deriveLocality(ad spider.RawAd, doc spider.Document, status int64, analysis bool) {
	site := matchedSite(ad)
	if _, ok := doc["GLIDEIN_CMSSite"]; !ok {
		doc["GLIDEIN_CMSSite"] = site
	}
	doc["Site"] = site
	if parts := strings.SplitN(site, "_", 3); len(parts) == 3 {
		doc["Tier"], doc["Country"] = parts[0], parts[1]
	} else {
		doc["Tier"], doc["Country"] = Unknown, Unknown
	}

	locations, _ := doc["DESIRED_CMSDataLocations"].(string)
	switch {
	case doc["DESIRED_CMSDataLocations"] == nil:
		doc["InputData"] = "Onsite"
	case strings.Contains(locations, site):
		doc["InputData"] = "Onsite"
	case site != "UNKNOWN" && status != 1:
		doc["InputData"] = "Offsite"
		switch {
		case !analysis:
			doc["OverflowType"] = "Unified"
		case slices.Contains(doc["DESIRED_Sites"].([]string), site):
			doc["OverflowType"] = "IgnoreLocality"
		default:
			doc["OverflowType"] = "FrontendOverflow"
		}
	}
}

func deriveVersions(ad spider.RawAd, doc spider.Document) {
	doc["CMSSWVersion"] = Unknown
	doc["CMSSWMajorVersion"] = Unknown
	doc["CMSSWReleaseSeries"] = Unknown
	if sw, ok := doc["CRAB_JobSW"].(string); ok {
		if m := cmsswVersionRe.FindStringSubmatch(sw); m != nil {
			major, err1 := strconv.Atoi(m[2])
			minor, err2 := strconv.Atoi(m[3])
			if err1 == nil && err2 == nil {
				doc["CMSSWVersion"] = m[1]
				doc["CMSSWMajorVersion"] = fmt.Sprintf("%d_X_X", major)
				doc["CMSSWReleaseSeries"] = fmt.Sprintf("%d_%d_X", major, minor)
			}
		}
	}

	singularity := false
	if raw, ok := ad.Get("MachineAttrHAS_SINGULARITY0"); ok {
		singularity, _ = raw.(bool)
	}
	doc["HasSingularity"] = singularity

	for _, key := range []string{"ChirpCMSSWCPUModels", "MachineAttrCPUModel0"} {
		if raw, ok := ad.Get(key); ok && raw != nil {
			model := spider.AsString(raw)
			doc["CPUModel"] = model
			doc["CPUModelName"] = model
			doc["Processor"] = model
			break
		}
	}
}

// deriveBenchmarks scales per-core figures by the machine's HS06 and DB12
// benchmark scores when the pilot reports them.
func deriveBenchmarks(ad spider.RawAd, doc spider.Document, a accounting) {
	scale := func(prefix string, bench float64) {
		doc["BenchmarkJob"+prefix] = bench
		for _, key := range []string{"EventRate", "CpuEventRate"} {
			if v, ok := doc[key].(float64); ok && v > 0 {
				doc[prefix+key] = v / bench
			}
		}
		for _, key := range []string{"CpuTimePerEvent", "TimePerEvent"} {
			if v, ok := doc[key].(float64); ok && v > 0 {
				doc[prefix+key] = v * bench
			}
		}
		doc[prefix+"CoreHr"] = a.coreHr * bench
		doc[prefix+"CommittedCoreHr"] = a.committedCoreHr * bench
		doc[prefix+"CpuTimeHr"] = a.cpuTimeHr * bench
	}

	cpus, okCPU := docFloat(doc, "GLIDEIN_Cpus")
	hs06, okHS := ad.Float("MachineAttrMJF_JOB_HS06_JOB0")
	if okCPU && okHS && cpus > 0 {
		scale("HS06", hs06/cpus)
	} else {
		delete(doc, "MachineAttrMJF_JOB_HS06_JOB0")
	}
	if db12, ok := ad.Float("MachineAttrDIRACBenchmark0"); ok && db12 > 0 {
		scale("DB12", db12)
	}
}

// deriveChirp folds the per-step CMSSW statistics reported over Chirp into
// job totals and rates.
func deriveChirp(doc spider.Document, recordTime int64, a accounting) {
	keys := doc.Keys()
	sort.Strings(keys)
	var siteIO []map[string]any
	for _, key := range keys {
		val, present := doc[key]
		if !present {
			continue
		}
		if strings.HasPrefix(key, "ChirpCMSSW") && strings.Contains(key, "IOSite") {
			m := chirpIOSiteRe.FindStringSubmatch(key)
			if m == nil {
				continue
			}
			base := key[:strings.LastIndex(key, "_")]
			readBytes, ok1 := doc[base+"_ReadBytes"]
			readTime, ok2 := doc[base+"_ReadTimeMS"]
			if !ok1 || !ok2 {
				continue
			}
			delete(doc, base+"_ReadBytes")
			delete(doc, base+"_ReadTimeMS")
			siteIO = append(siteIO, map[string]any{
				"SiteName":    m[2],
				"ChirpString": strings.Trim(m[1], "_"),
				"ReadBytes":   numeric(readBytes),
				"ReadTimeMS":  numeric(readTime),
			})
			continue
		}
		if !strings.HasPrefix(key, "ChirpCMSSW_") {
			continue
		}
		parts := strings.SplitN(key, "_", 3)
		total := "ChirpCMSSW" + parts[len(parts)-1]
		v := numeric(val)
		prev, seen := doc[total]
		switch {
		case !seen:
			doc[total] = v
		case chirpKeepsMax(total):
			doc[total] = math.Max(numeric(prev), v)
		default:
			doc[total] = numeric(prev) + v
		}
	}
	if siteIO != nil {
		doc["ChirpCMSSW_SiteIO"] = siteIO
	}

	if v, ok := docFloat(doc, "ChirpCMSSWFiles"); ok {
		doc["CompletedFiles"] = v
	}
	if v, ok := docFloat(doc, "ChirpCMSSWMaxFiles"); ok && v > 0 {
		doc["MaxFiles"] = v
	}
	done := false
	if v, ok := docFloat(doc, "ChirpCMSSWDone"); ok {
		done = v != 0
		doc["CMSSWDone"] = done
		doc["ChirpCMSSWDone"] = int64(v)
	}
	elapsed, hasElapsed := docFloat(doc, "ChirpCMSSWElapsed")
	if hasElapsed {
		doc["CMSSWWallHrs"] = elapsed / 3600.0
	}
	events, hasEvents := docFloat(doc, "ChirpCMSSWEvents")
	if hasEvents {
		doc["KEvents"] = events / 1e3
		doc["MegaEvents"] = events / 1e6
	}
	if v, ok := docFloat(doc, "ChirpCMSSWLastUpdate"); ok {
		since := math.Max(float64(recordTime)-v, 0) / 3600.0
		doc["SinceLastCMSSWUpdateHrs"] = since
		if doc["Status"] == "Completed" {
			doc["StageOutHrs"] = since
		}
	}
	if v, ok := docFloat(doc, "ChirpCMSSWLumis"); ok {
		doc["CMSSWKLumis"] = v / 1e3
	}
	if v, ok := docFloat(doc, "ChirpCMSSWReadBytes"); ok {
		doc["InputGB"] = v / 1e9
	}
	if v, ok := docFloat(doc, "ChirpCMSSWReadTimeMsecs"); ok {
		doc["ReadTimeHrs"] = v / 3.6e6
		doc["ReadTimeMins"] = v / 6e4
	}
	if v, ok := docFloat(doc, "ChirpCMSSWWriteBytes"); ok {
		doc["OutputGB"] = v / 1e9
	}
	if v, ok := docFloat(doc, "ChirpCMSSWWriteTimeMsecs"); ok {
		doc["WriteTimeHrs"] = v / 3.6e6
		doc["WriteTimeMins"] = v / 6e4
	}
	if done && elapsed > 0 {
		rate := events / (elapsed * float64(a.cpus))
		doc["CMSSWEventRate"] = rate
		if rate > 0 {
			doc["CMSSWTimePerEvent"] = 1 / rate
		}
	}
	if a.coreHr > 0 {
		rate := events / (a.coreHr * 3600.0)
		doc["EventRate"] = rate
		if rate > 0 {
			doc["TimePerEvent"] = 1 / rate
		}
	}
	readOps, hasOps := docFloat(doc, "ChirpCMSSWReadOps")
	if segments, ok := docFloat(doc, "ChirpCMSSWReadSegments"); ok && hasOps && readOps+segments != 0 {
		doc["ReadOpSegmentPercent"] = readOps / (readOps + segments) * 100
	}
	if vops, ok := docFloat(doc, "ChirpCMSSWReadVOps"); ok && hasOps && readOps+vops != 0 {
		doc["ReadOpsPercent"] = readOps / (readOps + vops) * 100
	}
}

func chirpKeepsMax(key string) bool {
	for _, suffix := range []string{"LastUpdate", "Events", "MaxLumis", "MaxFiles"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// derivePostJob reports the CRAB post-job state as the status of finished
// analysis jobs.
func derivePostJob(doc spider.Document) {
	status, _ := doc["Status"].(string)
	pjs, _ := doc["CRAB_PostJobStatus"].(string)
	pjs = strings.ToUpper(strings.TrimSpace(pjs))
	switch {
	case pjs != "" && ((status == "Removed" && pjs != "NOT RUN") || status == "Completed"):
		if decoded, ok := postJobStatuses[pjs]; ok {
			doc["CRAB_PostJobStatus"] = decoded
		} else {
			doc["CRAB_PostJobStatus"] = pjs
		}
		if _, ok := doc["CompletionDate"]; !ok {
			doc["CompletionDate"] = doc["EnteredCurrentStatus"]
		}
		if v, ok := docFloat(doc, "CommittedTime"); !ok || v == 0 {
			doc["CommittedTime"] = doc["RemoteWallClockTime"]
		}
	case doc["CRAB_Id"] != nil:
		doc["CRAB_PostJobStatus"] = status
	}
}

func deriveWMTool(doc spider.Document) {
	tool, ok := doc["CMS_WMTool"].(string)
	if !ok {
		tool = "UNKNOWN"
		if doc["CMS_SubmissionTool"] == "InstitutionalSchedd" {
			tool = "User"
		}
	}
	if strings.EqualFold(tool, "user") {
		tool = "User"
	}
	doc["CMS_WMTool"] = tool
}

func setOutliers(doc spider.Document) {
	eff, ok := doc["CpuEff"].(float64)
	doc["CpuEffOutlier"] = boolToInt(ok && eff >= 100)
}

// formatCrabID renders CRAB ids so that lexical order matches job order:
// "3-12" becomes "3.000012" and "12" becomes "000012".
func formatCrabID(id string) string {
	if x, n, ok := strings.Cut(id, "-"); ok {
		a, err1 := strconv.Atoi(x)
		b, err2 := strconv.Atoi(n)
		if err1 == nil && err2 == nil {
			return fmt.Sprintf("%d.%06d", a, b)
		}
		return "000000"
	}
	if n, err := strconv.Atoi(id); err == nil && n >= 0 {
		return fmt.Sprintf("%06d", n)
	}
	return "000000"
}

// taskCreationDate parses the timestamp CRAB embeds in workflow names, e.g.
// "190309_085131:user_crab_task".
func taskCreationDate(ad spider.RawAd, fallback int64) int64 {
	wf, ok := ad.String("CRAB_Workflow")
	if !ok {
		return fallback
	}
	prefix, _, _ := strings.Cut(wf, ":")
	t, err := time.ParseInLocation(crabWorkflowLayout, prefix, time.UTC)
	if err != nil {
		return fallback
	}
	return t.Unix()
}

func splitList(ad spider.RawAd, keys ...string) []string {
	for _, key := range keys {
		if s, ok := ad.String(key); ok {
			return listSplitRe.Split(s, -1)
		}
	}
	return []string{"UNKNOWN"}
}

func listLen(ad spider.RawAd, key string) int {
	raw, ok := ad.Get(key)
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case []any:
		return len(v)
	case []string:
		return len(v)
	case string:
		n := 0
		for _, part := range listSplitRe.Split(v, -1) {
			if part != "" {
				n++
			}
		}
		return n
	}
	return 0
}

func docFloat(doc spider.Document, key string) (float64, bool) {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return 0, false
	}
	return spider.AsFloat(raw)
}

func numeric(v any) float64 {
	f, _ := spider.AsFloat(v)
	return f
}
