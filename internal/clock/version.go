package clock

// DocumentClock логические часы версии одного документа на узле.
// Версия монотонно растет при каждой локальной записи; версии, пришедшие
// от других узлов, учитываются через Observe, чтобы следующая локальная
// запись гарантированно их доминировала.
//
// Значение DocumentClock не потокобезопасно: часы восстанавливаются из
// хранилища внутри транзакции записи и живут только в ее пределах.
type DocumentClock struct {
	counter int64
}

// Restore восстанавливает часы из сохраненной версии документа
func Restore(version int64) DocumentClock {
	if version < 0 {
		version = 0
	}
	return DocumentClock{counter: version}
}

// Tick увеличивает счетчик и возвращает версию для новой локальной записи
func (c *DocumentClock) Tick() int64 {
	c.counter++
	return c.counter
}

// Observe учитывает удаленную версию: counter = max(counter, remote).
// В отличие от классического алгоритма Лампорта счетчик не увеличивается
// при получении - удаленная версия уже занята другим узлом, а следующая
// локальная запись получит max+1 через Tick.
func (c *DocumentClock) Observe(remote int64) int64 {
	if remote > c.counter {
		c.counter = remote
	}
	return c.counter
}

// Current возвращает текущее значение без изменения
func (c DocumentClock) Current() int64 {
	return c.counter
}

// Dominates возвращает true, если версия remote новее всего, что известно часам
func (c DocumentClock) Dominates(remote int64) bool {
	return remote > c.counter
}
