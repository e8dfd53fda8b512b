package normalize

import "github.com/JakeFAU/condor-spider/internal/spider"

var reducibleStatuses = map[string]bool{
	"Running": true,
	"Idle":    true,
	"Held":    true,
}

// reduce prunes in-flight documents to the running allow-list.
func reduce(doc spider.Document) spider.Document {
	if status, ok := doc["Status"].(string); ok && !reducibleStatuses[status] {
		return doc
	}
	out := make(spider.Document, len(doc))
	for key, val := range doc {
		if fieldTable[key].Running {
			out[key] = val
		}
	}
	return out
}
