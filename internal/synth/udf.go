package synth

import (
	"database/sql/driver"
	"fmt"

	"villagepop/pkg/domain"

	sqlite "modernc.org/sqlite"
)

// marriageFunc is the scalar SQL function backing the married-to column. It is
// registered once per process and marked deterministic so sqlite may factor
// repeated calls out of the bulk insert.
const marriageFunc = "marriage_village"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(marriageFunc, 2, marriageVillageUDF)
}

func marriageVillageUDF(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	village, ok := args[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%s: village_id must be an integer, got %T", marriageFunc, args[0])
	}
	counter, ok := args[1].(int64)
	if !ok {
		return nil, fmt.Errorf("%s: counter must be an integer, got %T", marriageFunc, args[1])
	}
	mapped, err := domain.MarriageVillage(int(village), int(counter))
	if err != nil {
		return nil, err
	}
	return int64(mapped), nil
}
