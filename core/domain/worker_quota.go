package domain

// Operation is a Gmail API method name as used by the quota table.
type Operation string

const (
	OpThreadsList    Operation = "threads.list"
	OpThreadsGet     Operation = "threads.get"
	OpMessagesList   Operation = "messages.list"
	OpMessagesGet    Operation = "messages.get"
	OpAttachmentsGet Operation = "messages.attachments.get"
	OpLabelsList     Operation = "labels.list"
	OpLabelsGet      Operation = "labels.get"
	OpHistoryList    Operation = "history.list"
	OpGetProfile     Operation = "getProfile"
	OpDraftsSend     Operation = "drafts.send"
	OpMessagesSend   Operation = "messages.send"
	OpMessagesModify Operation = "messages.modify"
	OpMessagesTrash  Operation = "messages.trash"
	OpMessagesDelete Operation = "messages.delete"
	OpWatch          Operation = "watch"
)

// OperationCost - Gmail per-user quota units
var OperationCost = map[Operation]int{
	OpThreadsList:    10,
	OpThreadsGet:     10,
	OpMessagesList:   5,
	OpMessagesGet:    5,
	OpAttachmentsGet: 5,
	OpLabelsList:     1,
	OpLabelsGet:      1,
	OpHistoryList:    2,
	OpGetProfile:     1,
	OpDraftsSend:     100,
	OpMessagesSend:   100,
	OpMessagesModify: 5,
	OpMessagesTrash:  5,
	OpMessagesDelete: 10,
	OpWatch:          100,
}

// Cost returns the unit cost of op; ok is false for operations missing from the table.
func (op Operation) Cost() (cost int, ok bool) {
	cost, ok = OperationCost[op]
	return cost, ok
}

// MaxOperationCost is the most expensive entry, used to validate budgets.
func MaxOperationCost() int {
	max := 0
	for _, c := range OperationCost {
		if c > max {
			max = c
		}
	}
	return max
}
