package database

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

// IsDuplicateKey 判断是否违反唯一索引
func IsDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
