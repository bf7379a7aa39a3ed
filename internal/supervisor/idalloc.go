package supervisor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zjrosen/conclave/internal/registry"
)

// instanceNumbers parses the monotonic-counter suffix of an instance_id,
// e.g. "exec_3" -> [3], "mgr_3_2" -> [3, 2].
func instanceNumbers(id string) []int {
	parts := strings.Split(id, "_")
	if len(parts) < 2 {
		return nil
	}
	nums := make([]int, 0, len(parts)-1)
	for _, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}
		nums = append(nums, n)
	}
	return nums
}

// nextInstanceID allocates the next hierarchical instance_id for role
// under parent, given siblingCount existing children of parent sharing
// role's prefix. A manager spawned with no parent_id (root manager, per
// the spec's basic-spawn vignette) is numbered against its own root
// group rather than a parent's: it gets mgr_<E>_1 where E is its own
// ordinal among root managers.
func nextInstanceID(role registry.Role, parentID string, siblingCount int) (string, error) {
	next := siblingCount + 1
	switch role {
	case registry.RoleExecutive:
		return fmt.Sprintf("exec_%d", next), nil
	case registry.RoleManager:
		if parentID == "" {
			return fmt.Sprintf("mgr_%d_1", next), nil
		}
		nums := instanceNumbers(parentID)
		if len(nums) != 1 {
			return "", fmt.Errorf("supervisor: manager parent %q has unexpected id shape", parentID)
		}
		return fmt.Sprintf("mgr_%d_%d", nums[0], next), nil
	case registry.RoleSpecialist:
		nums := instanceNumbers(parentID)
		if len(nums) != 2 {
			return "", fmt.Errorf("supervisor: specialist parent %q has unexpected id shape", parentID)
		}
		return fmt.Sprintf("spec_%d_%d_%d", nums[0], nums[1], next), nil
	default:
		return "", fmt.Errorf("supervisor: unknown role %q", role)
	}
}
