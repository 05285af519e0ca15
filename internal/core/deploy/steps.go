package deploy

// Step identifies one stage of the per-host deploy pipeline. Steps are
// threaded explicitly through the pipeline and its progress reporting;
// there is no shared counter.
type Step int

const (
	StepCreateReleaseDir Step = iota + 1
	StepPushCode
	StepCheckoutCode
	StepGenerateOverlay
	StepLinkSharedEnv
	StepBuildImages
	StepStartNew
	StepHealthCheck
	StepStopPrevious
	StepUpdateSymlink
	StepUpdateLock
	StepCleanupReleases
)

// TotalSteps is the number of steps in the per-host pipeline.
const TotalSteps = 12

var stepNames = map[Step]string{
	StepCreateReleaseDir: "create release directory",
	StepPushCode:         "push code",
	StepCheckoutCode:     "checkout code",
	StepGenerateOverlay:  "generate compose overlay",
	StepLinkSharedEnv:    "link shared env",
	StepBuildImages:      "build images",
	StepStartNew:         "start new release",
	StepHealthCheck:      "health check",
	StepStopPrevious:     "stop previous release",
	StepUpdateSymlink:    "update current symlink",
	StepUpdateLock:       "update lock file",
	StepCleanupReleases:  "clean up old releases",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "unknown step"
}

// Index returns this step's 1-based position in the pipeline.
func (s Step) Index() int {
	return int(s)
}
