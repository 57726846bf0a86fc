package lock

// 加锁顺序固定为 事务 -> 商品，避免死锁

// TransactionKey 同一个 TCC 事务（identifier）的锁
func TransactionKey(identifier string) string {
	return "tcc:" + identifier
}

// GoodsKey 商品库存锁
func GoodsKey(goodsID string) string {
	return "inventory:" + goodsID
}

// RecoveryKey 恢复扫描器的全局锁
func RecoveryKey(scene, module string) string {
	return "recovery:" + scene + ":" + module
}
