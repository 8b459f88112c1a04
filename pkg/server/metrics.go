package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	stats := s.deps.Registry.Stats()

	var jobsSucceeded, jobsFailed, jobsPending int64
	if s.deps.Jobs != nil {
		js := s.deps.Jobs.Stats()
		jobsSucceeded, jobsFailed, jobsPending = js.Succeeded, js.Failed, int64(js.Pending)
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(fmt.Sprintf(`# HELP quotecall_active_sessions Live call sessions
# TYPE quotecall_active_sessions gauge
quotecall_active_sessions %d

# HELP quotecall_sessions_started_total Call sessions started
# TYPE quotecall_sessions_started_total counter
quotecall_sessions_started_total %d

# HELP quotecall_sessions_completed_total Call sessions that ended normally
# TYPE quotecall_sessions_completed_total counter
quotecall_sessions_completed_total %d

# HELP quotecall_sessions_errored_total Call sessions that failed setup
# TYPE quotecall_sessions_errored_total counter
quotecall_sessions_errored_total %d

# HELP quotecall_caller_frames_total Caller audio frames relayed to the agent
# TYPE quotecall_caller_frames_total counter
quotecall_caller_frames_total %d

# HELP quotecall_agent_frames_total Agent audio frames relayed to the caller
# TYPE quotecall_agent_frames_total counter
quotecall_agent_frames_total %d

# HELP quotecall_early_media_dropped_total Caller frames dropped before stream start
# TYPE quotecall_early_media_dropped_total counter
quotecall_early_media_dropped_total %d

# HELP quotecall_malformed_skipped_total Malformed frames skipped on either connection
# TYPE quotecall_malformed_skipped_total counter
quotecall_malformed_skipped_total %d

# HELP quotecall_postprocess_scheduled_total Sessions handed to post-processing
# TYPE quotecall_postprocess_scheduled_total counter
quotecall_postprocess_scheduled_total %d

# HELP quotecall_postprocess_succeeded_total Post-processing jobs that succeeded
# TYPE quotecall_postprocess_succeeded_total counter
quotecall_postprocess_succeeded_total %d

# HELP quotecall_postprocess_failed_total Post-processing jobs that failed
# TYPE quotecall_postprocess_failed_total counter
quotecall_postprocess_failed_total %d

# HELP quotecall_postprocess_pending Post-processing jobs waiting for a worker
# TYPE quotecall_postprocess_pending gauge
quotecall_postprocess_pending %d
`, stats.Active, stats.Started, stats.Completed, stats.Errored,
		stats.CallerFrames, stats.AgentFrames, stats.EarlyMediaDropped, stats.MalformedSkipped, stats.Scheduled,
		jobsSucceeded, jobsFailed, jobsPending))
}
