/*
Package approval is the replay-resistant user confirmation gate.

A job whose validation verdict is needs_user_approval stops at
awaiting_approval until the user presents the 32-byte single-use nonce
issued for it. The nonce lives in the store, not in memory, so a pending
approval survives a restart; it expires after a TTL and is consumed by
exactly one successful approve. Rejection never needs the nonce, since
declining is the safe direction.

Standing rules can skip the gate entirely when every step of the plan is
covered by an approve rule. Repeated manual approvals of one action
category eventually produce a suggestion event nudging the user toward
such a rule.
*/
package approval
