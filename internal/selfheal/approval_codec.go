package selfheal

import (
	"encoding/json"

	"github.com/brennhill/unified-browser-kernel/internal/ids"
)

func encodeApprovalMessage(actionID ids.ActionId, approve bool) string {
	b, _ := json.Marshal(approvalMessage{ActionID: string(actionID), Approve: approve})
	return string(b)
}

func decodeApprovalMessage(payload string) (ids.ActionId, bool, error) {
	var m approvalMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return "", false, err
	}
	return ids.ActionId(m.ActionID), m.Approve, nil
}
