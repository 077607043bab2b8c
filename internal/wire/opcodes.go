package wire

import "fmt"

// Opcode table (§6). Notification codes expect no answer; request codes
// have a paired Answer* code obtained via Code.AsAnswer(). Values are
// arbitrary but stable within a cluster version — two peers must agree on
// this table, which is why it lives in one place shared by every role.
const (
	CRequestIdentification Code = 0x0001
	CAnswerIdentification       = CRequestIdentification | Code(answerBit)

	CAskPrimary    Code = 0x0002
	CAnswerPrimary      = CAskPrimary | Code(answerBit)

	CAskNodeInformation    Code = 0x0003
	CAnswerNodeInformation      = CAskNodeInformation | Code(answerBit)

	CAskPartitionTable    Code = 0x0004
	CAnswerPartitionTable      = CAskPartitionTable | Code(answerBit)

	CNotReady Code = 0x0005 // sent in place of an Answer* during startup

	CAskBeginTransaction    Code = 0x0010
	CAnswerBeginTransaction      = CAskBeginTransaction | Code(answerBit)

	CAskNewOIDs    Code = 0x0011
	CAnswerNewOIDs      = CAskNewOIDs | Code(answerBit)

	CAskStoreObject    Code = 0x0012
	CAnswerStoreObject      = CAskStoreObject | Code(answerBit)

	CAskStoreTransaction    Code = 0x0013
	CAnswerStoreTransaction      = CAskStoreTransaction | Code(answerBit)

	CAskFinishTransaction    Code = 0x0014
	CAnswerTransactionFinished    = CAskFinishTransaction | Code(answerBit)

	CAbortTransaction Code = 0x0015 // notification, no answer

	CAskHasLock    Code = 0x0016
	CAnswerHasLock      = CAskHasLock | Code(answerBit)

	CLockInformation    Code = 0x0020
	CAnswerInformationLocked = CLockInformation | Code(answerBit)

	CNotifyUnlockInformation Code = 0x0021 // notification

	CStartOperation Code = 0x0022 // notification
	CStopOperation  Code = 0x0023 // notification

	CInvalidateObjects    Code = 0x0030 // notification
	CNotifyNodeInformation     Code = 0x0031 // notification
	CNotifyPartitionChanges    Code = 0x0032 // notification
	CSendPartitionTable        Code = 0x0033 // notification

	CAskObject    Code = 0x0040
	CAnswerObject      = CAskObject | Code(answerBit)

	CAskObjectHistory    Code = 0x0041
	CAnswerObjectHistory      = CAskObjectHistory | Code(answerBit)

	CAskTIDs    Code = 0x0042
	CAnswerTIDs      = CAskTIDs | Code(answerBit)

	CAskTransactionInformation    Code = 0x0043
	CAnswerTransactionInformation      = CAskTransactionInformation | Code(answerBit)

	CAskUndoTransaction    Code = 0x0044
	CAnswerUndoTransaction      = CAskUndoTransaction | Code(answerBit)
)

// names is used only for logging/diagnostics.
var names = map[Code]string{
	CRequestIdentification:     "RequestIdentification",
	CAnswerIdentification:      "AnswerIdentification",
	CAskPrimary:                "AskPrimary",
	CAnswerPrimary:             "AnswerPrimary",
	CAskNodeInformation:        "AskNodeInformation",
	CAnswerNodeInformation:     "AnswerNodeInformation",
	CAskPartitionTable:         "AskPartitionTable",
	CAnswerPartitionTable:      "AnswerPartitionTable",
	CNotReady:                  "NotReady",
	CAskBeginTransaction:       "AskBeginTransaction",
	CAnswerBeginTransaction:    "AnswerBeginTransaction",
	CAskNewOIDs:                "AskNewOIDs",
	CAnswerNewOIDs:             "AnswerNewOIDs",
	CAskStoreObject:            "AskStoreObject",
	CAnswerStoreObject:         "AnswerStoreObject",
	CAskStoreTransaction:       "AskStoreTransaction",
	CAnswerStoreTransaction:    "AnswerStoreTransaction",
	CAskFinishTransaction:      "AskFinishTransaction",
	CAnswerTransactionFinished: "AnswerTransactionFinished",
	CAbortTransaction:          "AbortTransaction",
	CAskHasLock:                "AskHasLock",
	CAnswerHasLock:             "AnswerHasLock",
	CLockInformation:           "LockInformation",
	CAnswerInformationLocked:   "AnswerInformationLocked",
	CNotifyUnlockInformation:   "NotifyUnlockInformation",
	CStartOperation:            "StartOperation",
	CStopOperation:             "StopOperation",
	CInvalidateObjects:         "InvalidateObjects",
	CNotifyNodeInformation:     "NotifyNodeInformation",
	CNotifyPartitionChanges:    "NotifyPartitionChanges",
	CSendPartitionTable:        "SendPartitionTable",
	CAskObject:                 "AskObject",
	CAnswerObject:              "AnswerObject",
	CAskObjectHistory:          "AskObjectHistory",
	CAnswerObjectHistory:       "AnswerObjectHistory",
	CAskTIDs:                   "AskTIDs",
	CAnswerTIDs:                "AnswerTIDs",
	CAskTransactionInformation: "AskTransactionInformation",
	CAnswerTransactionInformation: "AnswerTransactionInformation",
	CAskUndoTransaction:        "AskUndoTransaction",
	CAnswerUndoTransaction:     "AnswerUndoTransaction",
}

// Name returns a human-readable opcode name for logging, or a hex fallback.
func (c Code) Name() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", uint16(c))
}
