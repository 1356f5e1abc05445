package orchestrator

import (
	"time"

	"github.com/aescanero/megaservice/pkg/domain"
)

// nopMetrics is used when no collector is configured
type nopMetrics struct{}

func (nopMetrics) RecordRequest(string, time.Duration) {}
func (nopMetrics) RecordNode(string, string, domain.NodeStatus, time.Duration) {}
func (nopMetrics) RecordDefaultApplied(string) {}
func (nopMetrics) SetInFlight(int) {}
func (nopMetrics) SetNodeHealth(string, bool) {}
