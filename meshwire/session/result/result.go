package result

type ResultImp struct {
	lastInsertId int64
	rowsAffected int64
}

func NewResult(lastInsertId, rowsAffected int64) ResultImp {
	return ResultImp{lastInsertId: lastInsertId, rowsAffected: rowsAffected}
}

func (r ResultImp) LastInsertId() (int64, error) {
	return r.lastInsertId, nil
}

func (r ResultImp) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}
