package dataloader

// CreateSharedDataLoaders creates a shuffled training loader and an ordered
// validation loader. When config.MaxCacheSize is positive both loaders share
// one cache of decoded images; -1 sizes it to hold both datasets.
func CreateSharedDataLoaders(trainDataset, valDataset Dataset, config Config) (*DataLoader, *DataLoader) {
	cacheSize := config.MaxCacheSize
	if cacheSize < 0 {
		cacheSize = trainDataset.Len() + valDataset.Len()
	}

	var sharedCache *CacheManager
	if cacheSize > 0 {
		sharedCache = NewCacheManager(cacheSize)
	}

	trainConfig := config
	trainConfig.Name = "train"
	trainConfig.CacheManager = sharedCache
	trainConfig.Shuffle = true
	trainLoader := NewDataLoader(trainDataset, trainConfig)

	valConfig := config
	valConfig.Name = "val"
	valConfig.CacheManager = sharedCache
	valConfig.Shuffle = false
	valLoader := NewDataLoader(valDataset, valConfig)

	return trainLoader, valLoader
}
