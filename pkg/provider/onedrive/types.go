package onedrive

// driveItem is the subset of Microsoft Graph's driveItem resource the
// transfer pipeline needs.
type driveItem struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Size                 int64            `json:"size"`
	LastModifiedDateTime string           `json:"lastModifiedDateTime"`
	File                 *itemFile        `json:"file,omitempty"`
	Folder               *itemFolder      `json:"folder,omitempty"`
	ParentReference      *parentReference `json:"parentReference,omitempty"`
	Deleted              *deletedFacet    `json:"deleted,omitempty"`
}

type itemFile struct {
	MimeType string      `json:"mimeType"`
	Hashes   *itemHashes `json:"hashes,omitempty"`
}

type itemHashes struct {
	SHA1Hash     string `json:"sha1Hash,omitempty"`
	QuickXorHash string `json:"quickXorHash,omitempty"`
}

type itemFolder struct {
	ChildCount int `json:"childCount"`
}

type parentReference struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type deletedFacet struct {
	State string `json:"state"`
}

// driveItemCollection is one page of a children listing.
type driveItemCollection struct {
	Value         []driveItem `json:"value"`
	ODataNextLink string      `json:"@odata.nextLink,omitempty"`
}

// uploadSession is the response to createUploadSession.
type uploadSession struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges,omitempty"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
