// Package tree holds the search tree of the manager: an arena of nodes
// indexed by id, the candidate queue, the incumbent upper bound and the node
// lifecycle
//
//	Candidate -> Active -> Processed
//	                    -> Pruned{OverBound, Infeasible, Discarded}
//	                    -> NextPhase{OverBound, Infeasible}
//	Active -> Candidate  (requeue after worker death or deferral)
//
// A node id is queued if and only if its status is Candidate.
package tree
