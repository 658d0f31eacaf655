/*
Package validator is the policy engine that assesses execution plans.

It deliberately sees nothing but the plan and the static policy. User
text, conversation history, retrieved memories and the gear catalog are
kept out of its inputs so a compromised or confused planner cannot talk
the validator into a softer verdict. Callers that receive richer
validate requests must strip them down to the plan before calling in.

Verdict precedence, strictest first:

	rejected > needs_user_approval > revise > approved

The overall verdict is the most restrictive step verdict; overall risk is
the maximum step risk.
*/
package validator
