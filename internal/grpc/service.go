package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName  = "buildmaster.SlaveService"
	attachMethod = "/buildmaster.SlaveService/Attach"
)

// SlaveServiceServer is the master side of the slave protocol.
type SlaveServiceServer interface {
	// Attach holds one slave connection for its whole lifetime.
	Attach(stream AttachServer) error
}

// AttachServer is the master end of an Attach stream.
type AttachServer interface {
	Send(*MasterMessage) error
	Recv() (*SlaveMessage, error)
	grpc.ServerStream
}

// AttachClient is the slave end of an Attach stream.
type AttachClient interface {
	Send(*SlaveMessage) error
	Recv() (*MasterMessage, error)
	grpc.ClientStream
}

var slaveServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SlaveServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "buildmaster/slave",
}

// RegisterSlaveServiceServer registers srv on s.
func RegisterSlaveServiceServer(s grpc.ServiceRegistrar, srv SlaveServiceServer) {
	s.RegisterService(&slaveServiceDesc, srv)
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SlaveServiceServer).Attach(&attachServer{stream})
}

type attachServer struct {
	grpc.ServerStream
}

func (s *attachServer) Send(m *MasterMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *attachServer) Recv() (*SlaveMessage, error) {
	m := new(SlaveMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewAttachClient opens an Attach stream on cc.
func NewAttachClient(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (AttachClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := cc.NewStream(ctx, &slaveServiceDesc.Streams[0], attachMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &attachClient{stream}, nil
}

type attachClient struct {
	grpc.ClientStream
}

func (c *attachClient) Send(m *SlaveMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *attachClient) Recv() (*MasterMessage, error) {
	m := new(MasterMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
