package proctrack

// IDHash combines a job id and step id into the 64-bit application id
// stamped onto every attached process.
func IDHash(jobID, stepID uint32) uint64 {
	return uint64(stepID)<<32 | uint64(jobID)
}
