package excinfo

import (
	"fmt"

	"github.com/danmuck/excport/internal/mach"
)

type ResourceType uint8

const (
	ResourceCPU     ResourceType = 1
	ResourceWakeups ResourceType = 2
	ResourceMemory  ResourceType = 3
	ResourceIO      ResourceType = 4
	ResourceThreads ResourceType = 5
)

var resourceNames = map[ResourceType]string{
	ResourceCPU:     "cpu",
	ResourceWakeups: "wakeups",
	ResourceMemory:  "memory",
	ResourceIO:      "io",
	ResourceThreads: "threads",
}

func (t ResourceType) String() string {
	if name, ok := resourceNames[t]; ok {
		return name
	}
	return fmt.Sprintf("resource(%d)", uint8(t))
}

// resourceFlavors lists the valid flavor names per resource type.
var resourceFlavors = map[ResourceType]map[uint8]string{
	ResourceCPU:     {1: "monitor", 2: "monitor-fatal"},
	ResourceWakeups: {1: "monitor"},
	ResourceMemory:  {1: "high-watermark"},
	ResourceIO:      {1: "physical-writes", 2: "logical-writes"},
	ResourceThreads: {1: "high-watermark"},
}

// Resource is an EXC_RESOURCE limit violation. Interval is in seconds,
// Limit is the configured bound and Observed is what tripped it:
//
//	cpu      limit is percent, observed is utilization percent
//	wakeups  limit is permitted wakeups per second, observed per second
//	memory   limit is the high watermark in MB
//	io       limit and observed are MB
//	threads  observed is the thread count
type Resource struct {
	Type       ResourceType
	Flavor     uint8
	FlavorName string
	Interval   int64
	Limit      int64
	Observed   int64
}

func DecodeResource(e mach.Exception) (Resource, bool) {
	if e.Type != mach.ExcResource {
		return Resource{}, false
	}
	return decodeResource(uint64(e.Code), uint64(e.Subcode))
}

func decodeResource(code, subcode uint64) (Resource, bool) {
	r := Resource{
		Type:   ResourceType(Field(code, 61, 63)),
		Flavor: uint8(Field(code, 58, 60)),
	}
	flavors, ok := resourceFlavors[r.Type]
	if !ok {
		return Resource{}, false
	}
	if r.FlavorName, ok = flavors[r.Flavor]; !ok {
		return Resource{}, false
	}
	switch r.Type {
	case ResourceCPU:
		r.Interval = int64(Field(code, 7, 31))
		r.Limit = int64(Field(code, 0, 6))
		r.Observed = int64(Field(subcode, 0, 6))
	case ResourceWakeups:
		r.Interval = int64(Field(code, 20, 31))
		r.Limit = int64(Field(code, 0, 19))
		r.Observed = int64(Field(subcode, 0, 19))
	case ResourceMemory:
		r.Limit = int64(Field(code, 0, 12))
	case ResourceIO:
		r.Interval = int64(Field(code, 15, 31))
		r.Limit = int64(Field(code, 0, 14))
		r.Observed = int64(Field(subcode, 0, 14))
	case ResourceThreads:
		r.Observed = int64(Field(code, 0, 30))
	}
	return r, true
}
