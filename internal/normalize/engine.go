package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// ErrMissingJobID is returned for ads without a GlobalJobId.
var ErrMissingJobID = errors.New("normalize: ad has no GlobalJobId")

const rootTaskType = "ROOT"

var statusNames = map[int64]string{
	0: "Unexpanded",
	1: "Idle",
	2: "Running",
	3: "Removed",
	4: "Completed",
	5: "Held",
	6: "Error",
}

var universeNames = map[int64]string{
	1:  "Standard",
	2:  "Pipe",
	3:  "Linda",
	4:  "PVM",
	5:  "Vanilla",
	6:  "PVMD",
	7:  "Scheduler",
	8:  "MPI",
	9:  "Grid",
	10: "Java",
	11: "Parallel",
	12: "Local",
}

// StatusName decodes a job status code.
func StatusName(code int64) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return Unknown
}

// UniverseName decodes a job universe code.
func UniverseName(code int64) string {
	if name, ok := universeNames[code]; ok {
		return name
	}
	return Unknown
}

// Config holds the engine's collaborators.
type Config struct {
	// LaunchTime stands in for "now" in every time-dependent rule so that a
	// run normalizes each ad the same way.
	LaunchTime   time.Time
	Affiliations spider.AffiliationLookup
	Logger       *zap.Logger
}

// Engine converts raw ads into canonical documents. It is safe for
// concurrent use.
type Engine struct {
	launch       int64
	affiliations spider.AffiliationLookup
	logger       *zap.Logger
}

var _ spider.Normalizer = (*Engine)(nil)

// New builds an Engine. A zero LaunchTime uses the current time.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	launch := cfg.LaunchTime
	if launch.IsZero() {
		launch = time.Now()
	}
	return &Engine{
		launch:       launch.Unix(),
		affiliations: cfg.Affiliations,
		logger:       logger.Named("normalize"),
	}
}

// LaunchTime returns the pinned launch time in epoch seconds.
func (e *Engine) LaunchTime() int64 { return e.launch }

// Normalize implements spider.Normalizer.
func (e *Engine) Normalize(ad spider.RawAd, opts spider.NormalizeOptions) (spider.Item, error) {
	if ad.StringOr("TaskType", "") == rootTaskType {
		return spider.Item{}, spider.ErrDropped
	}
	gid, ok := ad.GlobalJobID()
	if !ok || gid == "" {
		return spider.Item{}, ErrMissingJobID
	}

	status := ad.IntOr("JobStatus", -1)
	recordTime := e.recordTime(ad, status)

	doc := spider.Document{}
	e.convertFields(ad, doc)

	doc["RecordTime"] = recordTime
	doc["DataCollection"] = e.launch
	if completed := ad.IntOr("CompletionDate", 0); completed != 0 {
		doc["DataCollection"] = completed
	}
	doc["DataCollectionDate"] = recordTime
	doc["ScheddName"] = strings.SplitN(gid, "#", 2)[0]
	pool := opts.Pool
	if pool == "" {
		pool = Unknown
	}
	doc["CMS_Pool"] = pool
	doc["Type"] = strings.ToLower(ad.StringOr("CMS_Type", "unknown"))
	analysis := doc["Type"] == "analysis" || ad.StringOr("CMS_JobType", "") == "Analysis"
	if raw, ok := ad.Get("CRAB_Id"); ok {
		doc["FormattedCrabId"] = formatCrabID(spider.AsString(raw))
	}

	e.classify(ad, doc, analysis)

	acct := newAccounting(ad, status, e.launch)
	e.deriveAccounting(ad, doc, acct, status, analysis)
	deriveLocality(ad, doc, status, analysis)

	doc["Status"] = StatusName(status)
	doc["Universe"] = UniverseName(ad.IntOr("JobUniverse", -1))
	if qdate, ok := ad.Int("QDate"); ok {
		start := ad.IntOr("JobCurrentStartDate", e.launch)
		doc["QueueHrs"] = float64(start-qdate) / 3600.0
	}
	doc["Badput"] = max(acct.coreHr-acct.committedCoreHr, 0)
	doc["CpuBadput"] = max(acct.coreHr-acct.cpuTimeHr, 0)

	deriveChirp(doc, recordTime, acct)
	deriveVersions(ad, doc)
	deriveBenchmarks(ad, doc, acct)
	e.enrichAffiliation(doc)
	derivePostJob(doc)
	deriveWMTool(doc)

	if opts.Reduce {
		doc = reduce(doc)
	}
	setOutliers(doc)

	return spider.Item{
		ID:  spider.DocumentID(fmt.Sprintf("%s#%d", gid, recordTime)),
		Doc: doc,
	}, nil
}

// recordTime picks the document timestamp. Terminal records use their
// completion or last status change; in-flight records use launch time.
func (e *Engine) recordTime(ad spider.RawAd, status int64) int64 {
	switch status {
	case 3, 4, 6:
		if v := ad.IntOr("CompletionDate", 0); v > 0 {
			return v
		}
		if v := ad.IntOr("EnteredCurrentStatus", 0); v > 0 {
			return v
		}
	}
	return e.launch
}

func (e *Engine) classify(ad spider.RawAd, doc spider.Document, analysis bool) {
	failed, code, typ, class := Classify(ad)
	doc["JobFailed"] = boolToInt(failed)
	doc["ErrorType"] = string(typ)
	doc["ErrorClass"] = string(class)
	doc["ExitCode"] = code
	if raw, ok := ad.Get("ExitCode"); ok {
		doc["CondorExitCode"] = raw
	}

	info := newRequestInfo(ad, analysis)
	jobType := ad.StringOr("CMS_JobType", "")
	if jobType == "" {
		jobType = Unknown
		if analysis {
			jobType = "Analysis"
		}
	}
	doc["CMS_JobType"] = jobType
	doc["CRAB_AsyncDest"] = ad.StringOr("CRAB_AsyncDest", Unknown)
	doc["WMAgent_TaskType"] = info.subtask
	doc["Campaign"] = guessCampaign(info)
	doc["CMS_CampaignType"] = guessCampaignType(info)
	switch {
	case ad.Has("CMS_TaskType"):
		doc["TaskType"] = ad.StringOr("CMS_TaskType", Unknown)
	case analysis:
		doc["TaskType"] = jobType
	default:
		doc["TaskType"] = guessTaskType(info)
	}
	doc["Workflow"] = guessWorkflow(info)
}

func (e *Engine) enrichAffiliation(doc spider.Document) {
	if e.affiliations == nil {
		return
	}
	var (
		aff spider.Affiliation
		ok  bool
	)
	if login, has := doc["CRAB_UserHN"].(string); has {
		aff, ok = e.affiliations.Lookup(login)
	} else if dn, has := doc["x509userproxysubject"].(string); has {
		aff, ok = e.affiliations.LookupSubject(dn)
	}
	if !ok {
		return
	}
	doc["AffiliationInstitute"] = aff.Institute
	doc["AffiliationCountry"] = aff.Country
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
