package store

// Volume describes the filesystem holding a repository.
type Volume struct {
	Total     int64
	Used      int64
	Available int64
}

// VolumeStats reports capacity for the filesystem containing path.
func VolumeStats(path string) (Volume, error) {
	total, used, available, err := volumeStats(path)
	if err != nil {
		return Volume{}, err
	}
	return Volume{Total: total, Used: used, Available: available}, nil
}
