package worker

import (
	"context"

	"github.com/meshforge/fabricd/internal/fabric"
)

// NodeCaller issues an explicit named-node call; satisfied by the
// Universal Dispatcher's CallNode.
type NodeCaller interface {
	CallNode(ctx context.Context, nodeID, service, method string, params any) (any, error)
}

// RPCReporter implements SolutionReporter by locating, via gossip, the
// coordinator that published jobID and making a best-effort named-node
// call to its "hash_coordinator/report_solution" method (spec §4.8.4).
type RPCReporter struct {
	selfID string
	view   View
	caller NodeCaller
}

func NewRPCReporter(selfID string, view View, caller NodeCaller) *RPCReporter {
	return &RPCReporter{selfID: selfID, view: view, caller: caller}
}

func (r *RPCReporter) ReportSolution(ctx context.Context, jobID string, chunkID int64, solutions []fabric.Solution) error {
	for _, coordID := range r.view.NeighborsWithRole(fabric.RoleCoordinator) {
		rec, ok := r.view.Get(coordID)
		if !ok {
			continue
		}
		if _, ok := rec.Metadata[fabric.GossipKeyJob(jobID)]; !ok {
			continue
		}
		_, err := r.caller.CallNode(ctx, coordID, "hash_coordinator", "report_solution", map[string]any{
			"job_id":    jobID,
			"chunk_id":  chunkID,
			"worker_id": r.selfID,
			"solutions": solutions,
		})
		return err
	}
	return nil
}
