package allocation

// Verify re-checks a previously computed plan against a fresh snapshot. It returns
// the first claim that can no longer be honored.
func (e *Engine) Verify(plan []LineAllocation, snap Snapshot) *LineError {
	working := make(map[StockKey][]Batch, len(snap.Batches))
	for k, bs := range snap.Batches {
		working[k] = append([]Batch(nil), bs...)
	}
	today := truncateDay(e.now())

	for _, alloc := range plan {
		req := LineRequest{
			LineNumber:    alloc.LineNumber,
			ItemCode:      alloc.ItemCode,
			WarehouseCode: alloc.WarehouseCode,
			Quantity:      alloc.Quantity,
		}
		batches := working[alloc.Key()]
		for _, c := range alloc.Claims {
			var found *Batch
			for i := range batches {
				if batches[i].BatchNumber == c.BatchNumber {
					found = &batches[i]
					break
				}
			}
			bq := BatchQuantity{BatchNumber: c.BatchNumber, Quantity: c.Quantity}
			switch {
			case found == nil:
				return batchError(req, bq, CodeBatchNotFound, "batch %s no longer present", c.BatchNumber)
			case !found.Active:
				return batchError(req, bq, CodeBatchInactive, "batch %s is not active", c.BatchNumber)
			case isExpired(*found, today):
				return batchError(req, bq, CodeBatchExpired, "batch %s has expired", c.BatchNumber)
			case found.Available.LessThan(c.Quantity):
				lerr := batchError(req, bq, CodeInsufficientBatchQuantity, "batch %s has %s available, plan needs %s", c.BatchNumber, found.Available, c.Quantity)
				lerr.Available = found.Available
				lerr.Shortage = c.Quantity.Sub(found.Available)
				return lerr
			}
		}
		working[alloc.Key()] = drawDown(batches, alloc.Claims)
	}
	return nil
}
