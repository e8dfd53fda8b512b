package normalize

import "sort"

// Kind is the declared type of a field.
type Kind uint8

// Field kinds. A field missing from the table passes through as a string.
const (
	KindString Kind = iota
	KindInt
	KindDate
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindDate:
		return "date"
	case KindBool:
		return "bool"
	default:
		return "string"
	}
}

// FieldSpec is one row of the static field table.
type FieldSpec struct {
	Kind Kind
	// Drop removes administrative fields before conversion.
	Drop bool
	// NoIndex stores the field without indexing it in the search sink.
	NoIndex bool
	// NoAnalysis keeps the field as an exact keyword.
	NoAnalysis bool
	// Running keeps the field in reduced documents of in-flight jobs.
	Running bool
}

// fieldTable is built once from the literal lists below.
var fieldTable = buildFieldTable()

// Lookup returns the table row for name. Missing names yield the zero spec,
// which is a pass-through string.
func Lookup(name string) FieldSpec {
	return fieldTable[name]
}

// DateFields lists every epoch-seconds field, sorted.
func DateFields() []string {
	return sortedCopy(dateFields)
}

// IndexedFields returns the canonical field names declared with kind k.
func IndexedFields(k Kind) []string {
	var out []string
	for name, spec := range fieldTable {
		if spec.Kind == k && !spec.Drop {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// NoIndexFields lists fields stored but not indexed, sorted.
func NoIndexFields() []string {
	return sortedCopy(noIndexFields)
}

func buildFieldTable() map[string]FieldSpec {
	table := make(map[string]FieldSpec, 512)
	set := func(names []string, apply func(*FieldSpec)) {
		for _, name := range names {
			spec := table[name]
			apply(&spec)
			table[name] = spec
		}
	}
	set(stringFields, func(s *FieldSpec) { s.Kind = KindString })
	set(intFields, func(s *FieldSpec) { s.Kind = KindInt })
	set(dateFields, func(s *FieldSpec) { s.Kind = KindDate })
	set(boolFields, func(s *FieldSpec) { s.Kind = KindBool })
	set(ignoredFields, func(s *FieldSpec) { s.Drop = true })
	set(noIndexFields, func(s *FieldSpec) { s.NoIndex = true })
	set(noAnalysisFields, func(s *FieldSpec) { s.NoAnalysis = true })
	set(runningFields, func(s *FieldSpec) { s.Running = true })
	return table
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

var stringFields = []string{
	"AutoClusterId", "AffiliationInstitute", "AffiliationCountry", "Processor", "ChirpCMSSWCPUModels",
	"CPUModel", "CPUModelName", "CMSPrimaryPrimaryDataset", "CMSPrimaryProcessedDataset",
	"CMSPrimaryDataTier", "CMSSWVersion", "CMSSWMajorVersion", "CMSSWReleaseSeries", "CRAB_JobType",
	"CRAB_JobSW", "CRAB_JobArch", "CRAB_Id", "CRAB_ISB", "CRAB_PostJobStatus", "CRAB_Workflow",
	"CRAB_UserRole", "CMSGroups", "CRAB_UserHN", "CRAB_UserGroup", "CRAB_TaskWorker",
	"CRAB_SiteWhitelist", "CRAB_SiteBlacklist", "CRAB_SplitAlgo", "CRAB_PrimaryDataset", "Args",
	"AccountingGroup", "Cmd", "CMS_JobType", "CMS_WMTool", "DESIRED_Archs",
	"DESIRED_CMSDataLocations", "DESIRED_CMSDataset", "DESIRED_Sites", "ExtDESIRED_Sites",
	"FormattedCrabId", "GlobalJobId", "GlideinClient", "GlideinEntryName", "GlideinFactory",
	"GlideinFrontendName", "GlideinName", "GLIDECLIENT_Name", "GLIDEIN_Entry_Name", "GLIDEIN_Factory",
	"GlobusRSL", "GridJobId", "LastRemoteHost", "MachineAttrCMSSubSiteName0",
	"MATCH_EXP_JOB_GLIDECLIENT_Name", "MATCH_EXP_JOB_GLIDEIN_ClusterId",
	"MATCH_EXP_JOB_GLIDEIN_CMSSite", "MATCH_EXP_JOB_GLIDEIN_Entry_Name",
	"MATCH_EXP_JOB_GLIDEIN_Factory", "MATCH_EXP_JOB_GLIDEIN_Name", "MATCH_EXP_JOB_GLIDEIN_Schedd",
	"MATCH_EXP_JOB_GLIDEIN_SEs", "MATCH_EXP_JOB_GLIDEIN_Site", "MATCH_EXP_JOB_GLIDEIN_SiteWMS",
	"MATCH_EXP_JOB_GLIDEIN_SiteWMS_JobId", "MATCH_EXP_JOB_GLIDEIN_SiteWMS_Queue",
	"MATCH_EXP_JOB_GLIDEIN_SiteWMS_Slot", "MachineAttrCUDACapability0", "MachineAttrCUDADeviceName0",
	"MachineAttrCUDADriverVersion0", "Owner", "Rank", "RemoteHost", "REQUIRED_OS",
	"ShouldTransferFiles", "StartdIpAddr", "StartdPrincipal", "User", "WhenToTransferOutput",
	"WMAgent_AgentName", "WMAgent_RequestName", "WMAgent_SubTaskName", "x509UserProxyEmail",
	"x509UserProxyFirstFQAN", "x509UserProxyFQAN", "x509userproxysubject", "x509UserProxyVOName",
	"InputData", "Original_DESIRED_Sites", "WMAgent_TaskType", "NordugridRSL", "Campaign", "TaskType",
	"DataLocations", "Workflow", "Site", "Tier", "Country", "Status", "Universe", "ExitReason",
	"LastHoldReason", "RemoveReason", "DESIRED_Overflow_Region", "DESIRED_OpSysMajorVers",
	"DAGNodeName", "DAGParentNodeNames", "OverflowType", "ScheddName",
}

var intFields = []string{
	"CRAB_Retry", "BytesRecvd", "BytesSent", "ClusterId", "CommittedSlotTime", "CumulativeSlotTime",
	"CumulativeSuspensionTime", "CurrentHosts", "CRAB_JobCount", "DelegatedProxyExpiration",
	"DiskUsage_RAW", "ExecutableSize_RAW", "ExitStatus", "GlobusStatus", "ImageSize_RAW", "JobPrio",
	"JobRunCount", "JobStatus", "JobFailed", "JobUniverse", "LastJobStatus", "LocalSysCpu",
	"LocalUserCpu", "MachineAttrCpus0", "MachineAttrSlotWeight0", "MachineAttrCUDAComputeUnits0",
	"MachineAttrCUDACoresPerCU0", "MachineAttrCUDAGlobalMemoryMb0",
	"MATCH_EXP_JOB_GLIDEIN_Job_Max_Time", "MATCH_EXP_JOB_GLIDEIN_MaxMemMBs",
	"MATCH_EXP_JOB_GLIDEIN_Max_Walltime", "MATCH_EXP_JOB_GLIDEIN_Memory",
	"MATCH_EXP_JOB_GLIDEIN_ProcId", "MATCH_EXP_JOB_GLIDEIN_ToDie", "MATCH_EXP_JOB_GLIDEIN_ToRetire",
	"MaxHosts", "MaxWallTimeMins_RAW", "MemoryUsage", "MinHosts", "NumGlobusSubmits", "NumJobMatches",
	"NumJobStarts", "NumRestarts", "NumShadowStarts", "NumSystemHolds", "PilotRestLifeTimeMins",
	"PostJobPrio1", "PostJobPrio2", "ProcId", "RecentBlockReadKbytes", "RecentBlockReads",
	"RecentBlockWriteKbytes", "RecentBlockWrites", "RemoteSlotID", "RemoteSysCpu", "RemoteUserCpu",
	"RemoteWallClockTime", "RequestCpus", "RequestDisk_RAW", "RequestMemory_RAW",
	"ResidentSetSize_RAW", "StatsLifetimeStarter", "TotalSuspensions", "TransferInputSizeMB",
	"WallClockCheckpoint", "WMAgent_JobID", "DesiredSiteCount", "DataLocationsCount",
}

var dateFields = []string{
	"CompletionDate", "CRAB_TaskCreationDate", "EnteredCurrentStatus", "JobCurrentStartDate",
	"JobCurrentStartExecutingDate", "JobCurrentStartTransferOutputDate", "JobLastStartDate",
	"JobStartDate", "LastMatchTime", "LastSuspensionTime", "LastVacateTime_RAW",
	"MATCH_GLIDEIN_ToDie", "MATCH_GLIDEIN_ToRetire", "QDate", "ShadowBday", "StageInFinish",
	"StageInStart", "JobFinishedHookDone", "LastJobLeaseRenewal", "LastRemoteStatusUpdate",
	"GLIDEIN_ToDie", "GLIDEIN_ToRetire", "DataCollectionDate", "RecordTime", "ChirpCMSSWLastUpdate",
}

var boolFields = []string{
	"CurrentStatusUnknown", "CRAB_Publish", "CRAB_SaveLogsFlag", "CRAB_TransferOutputs",
	"GlobusResubmit", "TransferQueued", "TransferringInput", "HasSingularity", "NiceUser",
	"ExitBySignal", "CMSSWDone", "HasBeenRouted", "HasBeenOverflowRouted", "HasBeenTimingTuned",
	"MachineAttrCUDAECCEnabled0",
}

var ignoredFields = []string{
	"Arguments", "CmdHash", "CRAB_UserDN", "CRAB_Destination", "CRAB_DBSURL", "CRAB_ASOURL",
	"CRAB_ASODB", "CRAB_AdditionalOutputFiles", "CRAB_EDMOutputFiles", "CRAB_TFileOutputFiles",
	"CRAB_oneEventMode", "CRAB_NumAutomJobRetries", "CRAB_localOutputFiles", "CRAB_ASOTimeout",
	"CRAB_OutTempLFNDir", "CRAB_PublishDBSURL", "CRAB_PublishGroupName", "CRAB_RestURInoAPI",
	"CRAB_RestHost", "CRAB_ReqName", "CRAB_RetryOnASOFailures", "CRAB_StageoutPolicy",
	"SubmitEventNotes", "DAGManNodesMask", "DAGManNodesLog", "DAGManJobId", "accounting_group",
	"AcctGroup", "AcctGroupUser", "AllowOpportunistic", "AutoClusterAttrs", "BufferBlockSize",
	"BufferSize", "CondorPlatform", "CondorVersion", "DiskUsage", "Err", "Environment", "EnvDelim",
	"Env", "ExecutableSize", "HasPrioCorrection", "GlideinCredentialIdentifier", "GlideinLogNr",
	"GlideinSecurityClass", "GlideinSlotsLayout", "GlideinWebBase", "GlideinWorkDir", "ImageSize",
	"In", "Iwd", "JobAdInformationAttrs", "job_ad_information_attrs", "JOB_GLIDECLIENT_Name",
	"JOB_GLIDEIN_ClusterId", "JOB_GLIDEIN_CMSSite", "JOBGLIDEIN_CMSSite", "JOB_GLIDEIN_Entry_Name",
	"JOB_GLIDEIN_Factory", "JOB_GLIDEIN_Job_Max_Time", "JOB_GLIDEIN_MaxMemMBs",
	"JOB_GLIDEIN_Max_Walltime", "JOB_GLIDEIN_Memory", "JOB_GLIDEIN_Name", "JOB_GLIDEIN_ProcId",
	"JOB_GLIDEIN_Schedd", "JOB_GLIDEIN_SEs", "JOB_GLIDEIN_Site", "JOB_GLIDEIN_SiteWMS",
	"JOB_GLIDEIN_SiteWMS_JobId", "JOB_GLIDEIN_SiteWMS_Queue", "JOB_GLIDEIN_SiteWMS_Slot",
	"JOB_GLIDEIN_ToDie", "JOB_GLIDEIN_ToRetire", "JobLeaseDuration", "JobNotification", "JOB_Site",
	"Managed", "MATCH_EXP_JOBGLIDEIN_CMSSite", "MATCH_EXP_JOB_Site", "MATCH_GLIDECLIENT_Name",
	"MATCH_GLIDEIN_ClusterId", "MATCH_GLIDEIN_CMSSite", "MATCH_GLIDEIN_Entry_Name",
	"MATCH_GLIDEIN_Factory", "MATCH_GLIDEIN_Job_Max_Time", "MATCH_GLIDEIN_MaxMemMBs",
	"MATCH_GLIDEIN_Max_Walltime", "MATCH_GLIDEIN_Name", "MATCH_GLIDEIN_ProcId",
	"MATCH_GLIDEIN_Schedd", "MATCH_GLIDEIN_SEs", "MATCH_GLIDEIN_Site", "MATCH_GLIDEIN_SiteWMS",
	"MATCH_GLIDEIN_SiteWMS_JobId", "MATCH_GLIDEIN_SiteWMS_Queue", "MATCH_GLIDEIN_SiteWMS_Slot",
	"MATCH_Memory", "MyType", "NiceUser", "NumCkpts", "NumCkpts_RAW", "OnExitHold", "OnExitRemove",
	"OrigMaxHosts", "Out", "PeriodicHold", "PeriodicRelease", "PeriodicRemove", "Prev_DESIRED_Sites",
	"PublicClaimId", "RequestDisk", "RequestMemory", "ResidentSetSize", "REQUIRES_LOCAL_DATA",
	"RecentBlockReadKbytes", "RecentBlockReads", "RecentBlockWriteKbytes", "RecentBlockWrites",
	"RootDir", "ServerTime", "SpooledOutputFiles", "StreamErr", "StreamOut", "TargetType",
	"TransferIn", "TransferInput", "TransferOutput", "UserLog", "UserLogUseXML", "use_x509userproxy",
	"x509userproxy", "x509UserProxyExpiration", "WantCheckpoint", "WantRemoteIO",
	"WantRemoteSyscalls", "BlockReadKbytes", "BlockReads", "BlockWriteKbytes", "BlockWrites",
	"LocalSysCpu", "LeaveJobInQueue", "LocalUserCpu", "JobMachineAttrs", "LastRejMatchReason",
	"MachineAttrGLIDEIN_CMSSite0", "CMS_ALLOW_OVERFLOW", "LastPublicClaimId", "LastRemotePool",
	"Used_Gatekeeper", "DESIRED_OpSyses",
}

var noIndexFields = []string{
	"CRAB_OutLFNDir", "Args", "Cmd", "BytesRecvd", "CoreSize", "DelegatedProxyExpiration",
	"Environment", "RecentBlockReadKbytes", "RecentBlockReads", "RecentBlockWriteKbytes",
	"RecentBlockWrites", "RecentStatsLifetimeStarter", "CurrentHosts", "MachineAttrCpus0",
	"MachineAttrSlotWeight0", "LocalSysCpu", "LocalUserCpu", "MaxHosts", "MinHosts", "StartdIpAddr",
	"StartdPrincipal", "LastRemoteHost",
}

var noAnalysisFields = []string{
	"CRAB_PublishName", "CRAB_PublishGroupName", "CondorPlatform", "CondorVersion", "CurrentHosts",
	"DESIRED_Archs", "ShouldTransferFiles", "TotalSuspensions", "REQUIRED_OS", "WhenToTransferOutput",
	"DAGParentNodeNames",
}

var runningFields = []string{
	"AccountingGroup", "AutoClusterId", "AffiliationInstitute", "AffiliationCountry",
	"BenchmarkJobDB12", "Campaign", "CMS_CampaignType", "CMS_JobType", "CMS_JobRetryCount",
	"CMS_Pool", "CMSGroups", "CMSPrimaryDataTier", "CMSSWKLumis", "CMSSWWallHrs", "CMSSWVersion",
	"CMSSWMajorVersion", "CMSSWReleaseSeries", "CommittedCoreHr", "CommittedTime", "CoreHr",
	"Country", "CpuBadput", "CpuEff", "CpuEffOutlier", "CpuEventRate", "CpuTimeHr", "CpuTimePerEvent",
	"CRAB_AsyncDest", "CRAB_DataBlock", "CRAB_Id", "CRAB_JobCount", "CRAB_PostJobStatus",
	"CRAB_Retry", "CRAB_TaskCreationDate", "CRAB_UserHN", "CRAB_Workflow", "CRAB_SplitAlgo",
	"CMS_SubmissionTool", "CMS_WMTool", "DataLocations", "DESIRED_CMSDataset", "DESIRED_Sites",
	"EnteredCurrentStatus", "EventRate", "FormattedCrabId", "GlobalJobId", "GLIDECLIENT_Name",
	"GLIDEIN_Entry_Name", "GLIDEIN_Factory", "HasSingularity", "InputData", "InputGB", "JobPrio",
	"JobCurrentStartDate", "JobLastStartDate", "JobUniverse", "KEvents", "MachineAttrCMSSubSiteName0",
	"MegaEvents", "MemoryMB", "OutputGB", "QueueHrs", "QDate", "ReadTimeMins", "RecordTime",
	"RemoteHost", "RequestCpus", "RequestMemory", "RequestMemory_Eval", "ScheddName", "Site",
	"Status", "TaskType", "Tier", "TimePerEvent", "Type", "WallClockHr", "WMAgent_JobID",
	"WMAgent_RequestName", "WMAgent_SubTaskName", "Workflow", "DESIRED_SITES_Diff",
	"DESIRED_SITES_Orig", "EstimatedWallTimeMins", "EstimatedWallTimeJobCount",
	"PilotRestLifeTimeMins", "LastRouted", "LastTimingTuned", "LPCRouted", "MemoryUsage",
	"PeriodicHoldReason", "RouteType", "HasBeenOverflowRouted", "HasBeenRouted", "HasBeenTimingTuned",
}
