package transfer

import "context"

// Built-in resolution strategies. Each one is stateless and safe for
// concurrent use.

type preferDestStrategy struct{}

func (s *preferDestStrategy) Name() string { return "prefer_dest" }

// Resolve keeps the destination copy. Used when the source file vanished
// mid-transfer: the destination is the only surviving copy and deleting it
// would propagate data loss.
func (s *preferDestStrategy) Resolve(_ context.Context, conflict *Conflict) (*Resolution, error) {
	return &Resolution{
		Winner: WinnerDest,
		File:   conflict.DestFile,
	}, nil
}

type preferSourceStrategy struct{}

func (s *preferSourceStrategy) Name() string { return "prefer_source" }

// Resolve re-transfers the source copy. Used when the destination vanished:
// the transfer's purpose is to place the file there.
func (s *preferSourceStrategy) Resolve(_ context.Context, conflict *Conflict) (*Resolution, error) {
	return &Resolution{
		Winner: WinnerSource,
		File:   conflict.SourceFile,
	}, nil
}

type largerWinsStrategy struct{}

func (s *largerWinsStrategy) Name() string { return "larger_wins" }

// Resolve keeps the larger file on a size mismatch. Ties go to the source.
func (s *largerWinsStrategy) Resolve(_ context.Context, conflict *Conflict) (*Resolution, error) {
	if conflict.DestFile != nil && (conflict.SourceFile == nil || conflict.DestFile.Size > conflict.SourceFile.Size) {
		return &Resolution{Winner: WinnerDest, File: conflict.DestFile}, nil
	}
	return &Resolution{Winner: WinnerSource, File: conflict.SourceFile}, nil
}

type newerWinsStrategy struct{}

func (s *newerWinsStrategy) Name() string { return "newer_wins" }

// Resolve keeps the more recently modified file. Ties go to the source.
func (s *newerWinsStrategy) Resolve(_ context.Context, conflict *Conflict) (*Resolution, error) {
	if conflict.DestFile != nil && (conflict.SourceFile == nil || conflict.DestFile.ModifiedTime.After(conflict.SourceFile.ModifiedTime)) {
		return &Resolution{Winner: WinnerDest, File: conflict.DestFile}, nil
	}
	return &Resolution{Winner: WinnerSource, File: conflict.SourceFile}, nil
}

type manualStrategy struct{}

func (s *manualStrategy) Name() string { return "manual" }

// Resolve declines to pick a side. Name conflicts carry user intent a
// policy table cannot infer, so the conflict is left open.
func (s *manualStrategy) Resolve(_ context.Context, _ *Conflict) (*Resolution, error) {
	return nil, nil
}
