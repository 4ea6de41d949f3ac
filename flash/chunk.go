package flash

// splitBlock cuts data into consecutive slices of at most size bytes. The
// slices share data's backing array.
func splitBlock(data []byte, size int) [][]byte {
	if size <= 0 {
		return nil
	}
	blocks := make([][]byte, 0, (len(data)+size-1)/size)
	for i := 0; i < len(data); i += size {
		end := i + size
		// 最后一块不足 size 时取实际长度
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, data[i:end])
	}
	return blocks
}
