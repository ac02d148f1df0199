package store

// Journal key layout:
//
//	s/<entityID>/<planID> -> SettlementRecord
//	pf/<entityID>         -> PartialFailureRecord
const (
	settlementKeyPrefix  = "s/"
	partialFailurePrefix = "pf/"
)

func settlementKey(entityID, planID string) []byte {
	return []byte(settlementKeyPrefix + entityID + "/" + planID)
}

func settlementPrefix(entityID string) []byte {
	return []byte(settlementKeyPrefix + entityID + "/")
}

func partialFailureKey(entityID string) []byte {
	return []byte(partialFailurePrefix + entityID)
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff
}
