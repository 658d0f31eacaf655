/*
Package dag executes an ordered plan of steps as a dependency graph.

The run proceeds in Kahn layers: every step whose dependencies have
settled forms the next layer, and steps inside a layer run concurrently
up to a hard cap, chunk by chunk. A failed step marks all transitive
dependents skipped (DEPENDENCY_FAILED) before their layer starts; an open
circuit does the same (CIRCUIT_OPEN). A false condition skips only its
own step (CONDITION_FALSE). Cancellation settles every un-entered step as
skipped (CANCELLED).

	s1 ──► s2 ──► s4        layer 0: s1, s3
	       s3 ───┘          layer 1: s2
	                        layer 2: s4

Step parameters may reference earlier results with "$ref:step:<id>[.path]";
conditions read "step:<id>.status" or "step:<id>.result.<dot.path>". Both
operate on the same tagged result map, so a step can only observe steps
from strictly earlier layers.
*/
package dag
