package lock

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// StatusSyncGlobal guards the daily status-sync sweep across all
// process instances.
const StatusSyncGlobal = "status-sync:global"

// PlanChangeMember names the per-member lock held while a pending plan
// change is applied.
func PlanChangeMember(memberID snowflake.ID) string {
	return fmt.Sprintf("plan-change:member:%s", memberID)
}
