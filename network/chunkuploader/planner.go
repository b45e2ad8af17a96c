package chunkuploader

// Plan splits fileSize bytes into ceil(fileSize/chunkSize) contiguous pending
// chunks. Every chunk is chunkSize long except the last one, which holds the
// remainder.
func Plan(fileSize, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if fileSize <= 0 {
		return nil, ErrEmptyFile
	}

	count := (fileSize + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, count)

	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}

		chunks = append(chunks, Chunk{
			Index: int(i),
			Start: start,
			End:   end,
			Size:  end - start,
			State: ChunkPending,
		})
	}

	return chunks, nil
}
