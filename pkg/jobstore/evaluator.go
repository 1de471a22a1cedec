package jobstore

// nextStatus applies the lifecycle transitions to a job given its working
// counts, advancing as far as the counts allow. It never moves a job
// backwards and never touches a terminal or ReadyForChecks job.
func nextStatus(job JobRecord, c workingCounts) JobStatus {
	status := job.Status
	for {
		switch status {
		case JobStatusWaitingForCollectionInfo:
			if c.ExpectedSets != job.ExpectedKeyCount {
				return status
			}
			status = JobStatusWaitingForStatuses
		case JobStatusWaitingForStatuses:
			if c.ExpectedFiles != c.FileOutcomes {
				return status
			}
			status = JobStatusReadyForChecks
		default:
			return status
		}
	}
}
