package domain

// MarriageVillage computes the village id that the person at the given counter
// in villageID is married into.
//
// Every CounterCycle consecutive counters partition into 7 blocks of
// SuperBlockSize; the block selects a base offset (1 + 4*block) and the
// position within the block alternates a +2 correction every two positions,
// encoding the paired-sibling-couple pattern of the source dataset. The offset
// is applied cyclically within villageID's 28-village super-block, so the
// result always satisfies SuperBlock(result) == SuperBlock(villageID).
func MarriageVillage(villageID, counter int) (int, error) {
	if villageID < 1 {
		return 0, ErrInvalidArgument{Field: "village_id", Value: villageID}
	}
	if counter < 1 {
		return 0, ErrInvalidArgument{Field: "counter", Value: counter}
	}

	c := ((counter - 1) % CounterCycle) + 1

	block := (c - 1) / SuperBlockSize
	baseAdd := 1 + 4*block

	pos := c - SuperBlockSize*block
	add := baseAdd
	if m := pos % 4; m != 1 && m != 2 {
		add = baseAdd + 2
	}

	superBase := ((villageID - 1) / SuperBlockSize) * SuperBlockSize
	localID := villageID - superBase
	return ((localID+add-1)%SuperBlockSize + 1) + superBase, nil
}

// SuperBlock returns the zero-based index of the 28-village super-block
// containing villageID.
func SuperBlock(villageID int) int {
	return (villageID - 1) / SuperBlockSize
}
