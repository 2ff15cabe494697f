package store

import (
	"sort"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

func sortJobs(jobs []types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].SubmittedAt.Equal(jobs[j].SubmittedAt) {
			return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func sortRecords(records []types.Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].Job, records[j].Job
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
}
